// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package capture

import (
	"fmt"
	"strings"
)

// resolveTemplate substitutes {key} placeholders. Unknown keys and
// unterminated placeholders are errors so a bad dump_format fails the
// session at start, not at first rotation.
func resolveTemplate(format string, vars map[string]string) (string, error) {
	var b strings.Builder
	for i := 0; i < len(format); {
		c := format[i]
		if c != '{' {
			b.WriteByte(c)
			i++
			continue
		}
		end := strings.IndexByte(format[i:], '}')
		if end < 0 {
			return "", fmt.Errorf("unterminated placeholder in %q", format)
		}
		key := format[i+1 : i+end]
		val, ok := vars[key]
		if !ok {
			return "", fmt.Errorf("unknown placeholder {%s}", key)
		}
		b.WriteString(val)
		i += end + 1
	}
	return b.String(), nil
}
