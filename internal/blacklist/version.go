package blacklist

import (
	"strconv"
	"strings"
)

// parseVersion splits "10.2.3" into numeric components. Trailing
// non-numeric suffixes in a component ("3-beta") are ignored.
func parseVersion(s string) ([]int, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, false
	}
	parts := strings.FieldsFunc(s, func(r rune) bool { return r == '.' || r == '_' })
	out := make([]int, 0, len(parts))
	for i, p := range parts {
		n := 0
		for n < len(p) && p[n] >= '0' && p[n] <= '9' {
			n++
		}
		if n == 0 {
			if i == 0 {
				return nil, false
			}
			break
		}
		v, err := strconv.Atoi(p[:n])
		if err != nil {
			return nil, false
		}
		out = append(out, v)
		if n < len(p) {
			break
		}
	}
	return out, len(out) > 0
}

// parseDate accepts "yyyy.mm.dd" as written in rule lists and
// "mm-dd-yyyy" as reported by drivers, normalizing to year, month, day.
func parseDate(s string) ([]int, bool) {
	s = strings.TrimSpace(s)
	if strings.Count(s, "-") == 2 {
		p := strings.Split(s, "-")
		m, err1 := strconv.Atoi(p[0])
		d, err2 := strconv.Atoi(p[1])
		y, err3 := strconv.Atoi(p[2])
		if err1 != nil || err2 != nil || err3 != nil {
			return nil, false
		}
		return []int{y, m, d}, true
	}
	return parseVersion(s)
}

// compareVersions compares component-wise. Only the components present in
// the rule value are compared, so "10" matches "10.2.3" under "=".
func compareVersions(have, want []int) int {
	for i := range want {
		h := 0
		if i < len(have) {
			h = have[i]
		}
		switch {
		case h < want[i]:
			return -1
		case h > want[i]:
			return 1
		}
	}
	return 0
}

// matches evaluates spec against value. An empty value only satisfies
// "any".
func (v *VersionSpec) matches(value string, date bool) bool {
	if v == nil || v.Op == OpAny {
		return true
	}
	parse := parseVersion
	if date {
		parse = parseDate
	}
	have, ok := parse(value)
	if !ok {
		return false
	}
	want, _ := parse(v.Value)
	c := compareVersions(have, want)
	switch v.Op {
	case OpEQ:
		return c == 0
	case OpLT:
		return c < 0
	case OpLE:
		return c <= 0
	case OpGT:
		return c > 0
	case OpGE:
		return c >= 0
	case OpBetween:
		hi, _ := parse(v.Value2)
		return c >= 0 && compareVersions(have, hi) <= 0
	}
	return false
}
