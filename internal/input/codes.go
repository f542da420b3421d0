package input

// Linux input event types and codes (linux/input-event-codes.h). Only the
// codes the router can emit are declared.
const (
	evSyn uint16 = 0x00
	evKey uint16 = 0x01
	evRel uint16 = 0x02
	evAbs uint16 = 0x03

	synReport uint16 = 0x00

	relWheel uint16 = 0x08

	absMTSlot       uint16 = 0x2f
	absMTPositionX  uint16 = 0x35
	absMTPositionY  uint16 = 0x36
	absMTTrackingID uint16 = 0x39

	btnLeft   uint16 = 0x110
	btnRight  uint16 = 0x111
	btnMiddle uint16 = 0x112
	btnTouch  uint16 = 0x14a

	inputPropDirect = 1

	busVirtual uint16 = 0x06
)

// KEY_* codes referenced by the keysym table.
const (
	keyEsc        uint16 = 1
	key1          uint16 = 2
	key2          uint16 = 3
	key3          uint16 = 4
	key4          uint16 = 5
	key5          uint16 = 6
	key6          uint16 = 7
	key7          uint16 = 8
	key8          uint16 = 9
	key9          uint16 = 10
	key0          uint16 = 11
	keyMinus      uint16 = 12
	keyEqual      uint16 = 13
	keyBackspace  uint16 = 14
	keyTab        uint16 = 15
	keyQ          uint16 = 16
	keyW          uint16 = 17
	keyE          uint16 = 18
	keyR          uint16 = 19
	keyT          uint16 = 20
	keyY          uint16 = 21
	keyU          uint16 = 22
	keyI          uint16 = 23
	keyO          uint16 = 24
	keyP          uint16 = 25
	keyLeftBrace  uint16 = 26
	keyRightBrace uint16 = 27
	keyEnter      uint16 = 28
	keyLeftCtrl   uint16 = 29
	keyA          uint16 = 30
	keyS          uint16 = 31
	keyD          uint16 = 32
	keyF          uint16 = 33
	keyG          uint16 = 34
	keyH          uint16 = 35
	keyJ          uint16 = 36
	keyK          uint16 = 37
	keyL          uint16 = 38
	keySemicolon  uint16 = 39
	keyApostrophe uint16 = 40
	keyGrave      uint16 = 41
	keyLeftShift  uint16 = 42
	keyBackslash  uint16 = 43
	keyZ          uint16 = 44
	keyX          uint16 = 45
	keyC          uint16 = 46
	keyV          uint16 = 47
	keyB          uint16 = 48
	keyN          uint16 = 49
	keyM          uint16 = 50
	keyComma      uint16 = 51
	keyDot        uint16 = 52
	keySlash      uint16 = 53
	keyRightShift uint16 = 54
	keyKPAsterisk uint16 = 55
	keyLeftAlt    uint16 = 56
	keySpace      uint16 = 57
	keyCapsLock   uint16 = 58
	keyF1         uint16 = 59
	keyF2         uint16 = 60
	keyF3         uint16 = 61
	keyF4         uint16 = 62
	keyF5         uint16 = 63
	keyF6         uint16 = 64
	keyF7         uint16 = 65
	keyF8         uint16 = 66
	keyF9         uint16 = 67
	keyF10        uint16 = 68
	keyNumLock    uint16 = 69
	keyScrollLock uint16 = 70
	keyKP7        uint16 = 71
	keyKP8        uint16 = 72
	keyKP9        uint16 = 73
	keyKPMinus    uint16 = 74
	keyKP4        uint16 = 75
	keyKP5        uint16 = 76
	keyKP6        uint16 = 77
	keyKPPlus     uint16 = 78
	keyKP1        uint16 = 79
	keyKP2        uint16 = 80
	keyKP3        uint16 = 81
	keyKP0        uint16 = 82
	keyKPDot      uint16 = 83
	keyF11        uint16 = 87
	keyF12        uint16 = 88
	keyKPEnter    uint16 = 96
	keyRightCtrl  uint16 = 97
	keyKPSlash    uint16 = 98
	keySysRq      uint16 = 99
	keyRightAlt   uint16 = 100
	keyHome       uint16 = 102
	keyUp         uint16 = 103
	keyPageUp     uint16 = 104
	keyLeft       uint16 = 105
	keyRight      uint16 = 106
	keyEnd        uint16 = 107
	keyDown       uint16 = 108
	keyPageDown   uint16 = 109
	keyInsert     uint16 = 110
	keyDelete     uint16 = 111
	keyLeftMeta   uint16 = 125
	keyRightMeta  uint16 = 126
)
