package service

// The key-name vocabulary is part of the wire contract: the literal
// strings below must match the appliance firmware's expectations
// exactly. The UI sends browser KeyboardEvent.code values, which use
// the same vocabulary; MapKeyCode validates and canonicalizes them.
// Unknown codes are dropped by the pipeline.

// Mouse button names on the wire.
const (
	ButtonLeft   = "left"
	ButtonRight  = "right"
	ButtonMiddle = "middle"
	ButtonUp     = "up"   // extra button 4
	ButtonDown   = "down" // extra button 5
)

// keyAliases folds legacy and platform-specific spellings into the
// canonical vocabulary.
var keyAliases = map[string]string{
	"OSLeft":   "MetaLeft",
	"OSRight":  "MetaRight",
	"Super":    "MetaLeft",
	"Menu":     "ContextMenu",
	"Return":   "Enter",
	"Esc":      "Escape",
	"Spacebar": "Space",
}

var knownKeys = buildKnownKeys()

func buildKnownKeys() map[string]struct{} {
	keys := []string{
		"Escape", "Backquote", "Minus", "Equal", "Backspace",
		"Tab", "BracketLeft", "BracketRight", "Backslash",
		"CapsLock", "Semicolon", "Quote", "Enter",
		"ShiftLeft", "Comma", "Period", "Slash", "ShiftRight",
		"ControlLeft", "MetaLeft", "AltLeft", "Space",
		"AltRight", "MetaRight", "ContextMenu", "ControlRight",
		"PrintScreen", "ScrollLock", "Pause",
		"Insert", "Home", "PageUp", "Delete", "End", "PageDown",
		"ArrowUp", "ArrowDown", "ArrowLeft", "ArrowRight",
		"NumLock", "NumpadDivide", "NumpadMultiply", "NumpadSubtract",
		"NumpadAdd", "NumpadEnter", "NumpadDecimal",
		"IntlBackslash", "IntlYen", "IntlRo",
	}
	m := make(map[string]struct{}, len(keys)+26+10+12+10)
	for _, k := range keys {
		m[k] = struct{}{}
	}
	for c := 'A'; c <= 'Z'; c++ {
		m["Key"+string(c)] = struct{}{}
	}
	for c := '0'; c <= '9'; c++ {
		m["Digit"+string(c)] = struct{}{}
		m["Numpad"+string(c)] = struct{}{}
	}
	for i := 1; i <= 12; i++ {
		m[fnKey(i)] = struct{}{}
	}
	return m
}

func fnKey(n int) string {
	if n >= 10 {
		return "F1" + string(rune('0'+n-10))
	}
	return "F" + string(rune('0'+n))
}

// MapKeyCode canonicalizes a platform key code to its wire name.
// ok is false for keys outside the vocabulary; those are dropped.
func MapKeyCode(code string) (name string, ok bool) {
	if alias, found := keyAliases[code]; found {
		code = alias
	}
	_, ok = knownKeys[code]
	return code, ok
}

// MapMouseButton canonicalizes a button name.
func MapMouseButton(button string) (name string, ok bool) {
	switch button {
	case ButtonLeft, ButtonRight, ButtonMiddle, ButtonUp, ButtonDown:
		return button, true
	}
	return "", false
}

// IsMetaKey reports whether the key is a platform meta/super key, which
// the pipeline buffers for chord handling instead of forwarding alone.
func IsMetaKey(name string) bool {
	return name == "MetaLeft" || name == "MetaRight"
}

// shiftedChars maps US-layout shifted symbols to their base key.
var shiftedChars = map[rune]string{
	'!': "Digit1", '@': "Digit2", '#': "Digit3", '$': "Digit4",
	'%': "Digit5", '^': "Digit6", '&': "Digit7", '*': "Digit8",
	'(': "Digit9", ')': "Digit0",
	'_': "Minus", '+': "Equal", '{': "BracketLeft", '}': "BracketRight",
	'|': "Backslash", ':': "Semicolon", '"': "Quote",
	'<': "Comma", '>': "Period", '?': "Slash", '~': "Backquote",
}

// plainChars maps unshifted symbols to their key.
var plainChars = map[rune]string{
	' ': "Space", '-': "Minus", '=': "Equal",
	'[': "BracketLeft", ']': "BracketRight", '\\': "Backslash",
	';': "Semicolon", '\'': "Quote", ',': "Comma", '.': "Period",
	'/': "Slash", '`': "Backquote", '\n': "Enter", '\t': "Tab",
}

// CharToKey maps one printable character to the key (and shift state)
// that produces it on a US layout. ok is false for characters the
// emulated keyboard cannot type.
func CharToKey(r rune) (name string, shift, ok bool) {
	switch {
	case r >= 'a' && r <= 'z':
		return "Key" + string(r-'a'+'A'), false, true
	case r >= 'A' && r <= 'Z':
		return "Key" + string(r), true, true
	case r >= '0' && r <= '9':
		return "Digit" + string(r), false, true
	}
	if name, found := plainChars[r]; found {
		return name, false, true
	}
	if name, found := shiftedChars[r]; found {
		return name, true, true
	}
	return "", false, false
}
