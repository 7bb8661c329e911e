package logging

// consoleLeadingKeys are printed first, in this order, right after the
// message. Reader identity is printed in the line prefix instead.
var consoleLeadingKeys = []string{
	FieldSessionID,
	FieldConnectionID,
	FieldOwner,
	FieldOperation,
	FieldFinger,
	FieldEventType,
}

// consoleTrailingKeys close the line so the cause and next step of a
// warning are read last.
var consoleTrailingKeys = []string{
	FieldError,
	FieldErrorHint,
	FieldImpact,
}

// orderConsoleFields returns kvs with the leading keys first, then the
// remaining keys in call order, then the trailing keys. Component and device
// are returned separately for the prefix; the first occurrence of each wins.
func orderConsoleFields(kvs []kv) (component, device string, ordered []kv) {
	rank := func(key string) (group, pos int) {
		for i, k := range consoleLeadingKeys {
			if k == key {
				return 0, i
			}
		}
		for i, k := range consoleTrailingKeys {
			if k == key {
				return 2, i
			}
		}
		return 1, 0
	}

	var leading, middle, trailing []kv
	leadingSlots := make([][]kv, len(consoleLeadingKeys))
	trailingSlots := make([][]kv, len(consoleTrailingKeys))
	for _, field := range kvs {
		switch field.key {
		case "":
			continue
		case FieldComponent:
			if component == "" {
				component = attrString(field.value)
			}
			continue
		case FieldDeviceID:
			if device == "" {
				device = attrString(field.value)
			}
			continue
		}
		group, pos := rank(field.key)
		switch group {
		case 0:
			leadingSlots[pos] = append(leadingSlots[pos], field)
		case 2:
			trailingSlots[pos] = append(trailingSlots[pos], field)
		default:
			middle = append(middle, field)
		}
	}
	for _, slot := range leadingSlots {
		leading = append(leading, slot...)
	}
	for _, slot := range trailingSlots {
		trailing = append(trailing, slot...)
	}
	ordered = make([]kv, 0, len(leading)+len(middle)+len(trailing))
	ordered = append(ordered, leading...)
	ordered = append(ordered, middle...)
	ordered = append(ordered, trailing...)
	return component, device, ordered
}
