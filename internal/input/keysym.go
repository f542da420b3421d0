package input

// keysymToKeycode is the static X11 keysym -> Linux KEY_* table. It covers
// the TTY function, cursor, modifier, function-key and keypad blocks plus
// printable Latin-1 mapped through the XK_ convention. Shifted symbols map
// to their unshifted key; clients send modifier keysyms separately.
var keysymToKeycode = map[uint32]uint16{
	// TTY function keys
	0xff08: keyBackspace,
	0xff09: keyTab,
	0xff0d: keyEnter,
	0xff1b: keyEsc,
	0xffff: keyDelete,

	// Cursor control
	0xff50: keyHome,
	0xff51: keyLeft,
	0xff52: keyUp,
	0xff53: keyRight,
	0xff54: keyDown,
	0xff55: keyPageUp,
	0xff56: keyPageDown,
	0xff57: keyEnd,
	0xff63: keyInsert,

	// Function keys
	0xffbe: keyF1,
	0xffbf: keyF2,
	0xffc0: keyF3,
	0xffc1: keyF4,
	0xffc2: keyF5,
	0xffc3: keyF6,
	0xffc4: keyF7,
	0xffc5: keyF8,
	0xffc6: keyF9,
	0xffc7: keyF10,
	0xffc8: keyF11,
	0xffc9: keyF12,

	// Modifiers
	0xffe1: keyLeftShift,
	0xffe2: keyRightShift,
	0xffe3: keyLeftCtrl,
	0xffe4: keyRightCtrl,
	0xffe5: keyCapsLock,
	0xffe9: keyLeftAlt,
	0xffea: keyRightAlt,
	0xffeb: keyLeftMeta,
	0xffec: keyRightMeta,

	// Keypad
	0xffb0: keyKP0,
	0xffb1: keyKP1,
	0xffb2: keyKP2,
	0xffb3: keyKP3,
	0xffb4: keyKP4,
	0xffb5: keyKP5,
	0xffb6: keyKP6,
	0xffb7: keyKP7,
	0xffb8: keyKP8,
	0xffb9: keyKP9,
	0xff8d: keyKPEnter,
	0xffaa: keyKPAsterisk,
	0xffab: keyKPPlus,
	0xffad: keyKPMinus,
	0xffae: keyKPDot,
	0xffaf: keyKPSlash,

	// Misc
	0xff14: keyScrollLock,
	0xff61: keySysRq,
	0xff7f: keyNumLock,

	// Space and digits
	0x0020: keySpace,
	0x0030: key0,
	0x0031: key1,
	0x0032: key2,
	0x0033: key3,
	0x0034: key4,
	0x0035: key5,
	0x0036: key6,
	0x0037: key7,
	0x0038: key8,
	0x0039: key9,

	// Letters; upper and lower case share the keycode
	0x0061: keyA, 0x0041: keyA,
	0x0062: keyB, 0x0042: keyB,
	0x0063: keyC, 0x0043: keyC,
	0x0064: keyD, 0x0044: keyD,
	0x0065: keyE, 0x0045: keyE,
	0x0066: keyF, 0x0046: keyF,
	0x0067: keyG, 0x0047: keyG,
	0x0068: keyH, 0x0048: keyH,
	0x0069: keyI, 0x0049: keyI,
	0x006a: keyJ, 0x004a: keyJ,
	0x006b: keyK, 0x004b: keyK,
	0x006c: keyL, 0x004c: keyL,
	0x006d: keyM, 0x004d: keyM,
	0x006e: keyN, 0x004e: keyN,
	0x006f: keyO, 0x004f: keyO,
	0x0070: keyP, 0x0050: keyP,
	0x0071: keyQ, 0x0051: keyQ,
	0x0072: keyR, 0x0052: keyR,
	0x0073: keyS, 0x0053: keyS,
	0x0074: keyT, 0x0054: keyT,
	0x0075: keyU, 0x0055: keyU,
	0x0076: keyV, 0x0056: keyV,
	0x0077: keyW, 0x0057: keyW,
	0x0078: keyX, 0x0058: keyX,
	0x0079: keyY, 0x0059: keyY,
	0x007a: keyZ, 0x005a: keyZ,

	// Symbols on their unshifted key
	0x0021: key1,          // !
	0x0040: key2,          // @
	0x0023: key3,          // #
	0x0024: key4,          // $
	0x0025: key5,          // %
	0x005e: key6,          // ^
	0x0026: key7,          // &
	0x002a: key8,          // *
	0x0028: key9,          // (
	0x0029: key0,          // )
	0x002d: keyMinus,      // -
	0x005f: keyMinus,      // _
	0x003d: keyEqual,      // =
	0x002b: keyEqual,      // +
	0x005b: keyLeftBrace,  // [
	0x007b: keyLeftBrace,  // {
	0x005d: keyRightBrace, // ]
	0x007d: keyRightBrace, // }
	0x005c: keyBackslash,  // backslash
	0x007c: keyBackslash,  // |
	0x003b: keySemicolon,  // ;
	0x003a: keySemicolon,  // :
	0x0027: keyApostrophe, // '
	0x0022: keyApostrophe, // "
	0x0060: keyGrave,      // `
	0x007e: keyGrave,      // ~
	0x002c: keyComma,      // ,
	0x003c: keyComma,      // <
	0x002e: keyDot,        // .
	0x003e: keyDot,        // >
	0x002f: keySlash,      // /
	0x003f: keySlash,      // ?
}

// KeycodeForKeysym resolves an X11 keysym to a Linux keycode.
func KeycodeForKeysym(keysym uint32) (uint16, bool) {
	code, ok := keysymToKeycode[keysym]
	return code, ok
}

// allKeycodes returns the distinct keycodes of the table, for declaring the
// keyboard device's capabilities.
func allKeycodes() []uint16 {
	seen := make(map[uint16]struct{}, len(keysymToKeycode))
	var codes []uint16
	for _, code := range keysymToKeycode {
		if _, ok := seen[code]; ok {
			continue
		}
		seen[code] = struct{}{}
		codes = append(codes, code)
	}
	return codes
}
