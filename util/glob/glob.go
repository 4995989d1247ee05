package glob

import "fmt"

// Match returns true when string matches pattern. Returns an error when the
// pattern is invalid.
//
// The pattern syntax is:
//
//	'*'         matches any sequence of characters, including none
//	'?'         matches any single character
//	'[abc]'     matches one character from the set
//	'[a-z]'     matches one character from the range
//	'[^abc]'    matches one character not in the set
//
// Any other character matches itself.
func Match(pattern, str string) (matched bool, err error) {
	return wildcardMatch(pattern, str)
}

// IsGlob returns true when the pattern contains glob meta characters and is a
// valid glob.
func IsGlob(pattern string) bool {
	for i := 0; i < len(pattern); i++ {
		switch pattern[i] {
		case '[', '*', '?':
			_, err := Match(pattern, "whatever")
			return err == nil
		}
	}
	return false
}

func wildcardMatch(pattern, str string) (bool, error) {
	var p, s int
	// backtracking state for the most recent '*'
	starP, starS := -1, -1

	for s < len(str) {
		if p < len(pattern) {
			switch pattern[p] {
			case '*':
				starP, starS = p, s
				p++
				continue
			case '?':
				p++
				s++
				continue
			case '[':
				ok, next, err := matchClass(pattern, p, str[s])
				if err != nil {
					return false, err
				}
				if ok {
					p = next
					s++
					continue
				}
			default:
				if pattern[p] == str[s] {
					p++
					s++
					continue
				}
			}
		}
		if starP < 0 {
			return false, nil
		}
		// retry the last '*' consuming one more character
		starS++
		p, s = starP+1, starS
	}

	for p < len(pattern) && pattern[p] == '*' {
		p++
	}
	return p == len(pattern), nil
}

// matchClass matches str's character c against the class starting at
// pattern[p] (which is '['), returning whether it matched and the index just
// past the closing ']'.
func matchClass(pattern string, p int, c byte) (bool, int, error) {
	i := p + 1
	negate := false
	if i < len(pattern) && (pattern[i] == '^' || pattern[i] == '!') {
		negate = true
		i++
	}
	matched := false
	first := true
	for {
		if i >= len(pattern) {
			return false, 0, fmt.Errorf("unterminated character class in pattern %q", pattern)
		}
		if pattern[i] == ']' && !first {
			i++
			break
		}
		first = false
		lo := pattern[i]
		hi := lo
		if i+2 < len(pattern) && pattern[i+1] == '-' && pattern[i+2] != ']' {
			hi = pattern[i+2]
			i += 3
		} else {
			i++
		}
		if lo > hi {
			return false, 0, fmt.Errorf("invalid character range in pattern %q", pattern)
		}
		if c >= lo && c <= hi {
			matched = true
		}
	}
	if negate {
		matched = !matched
	}
	return matched, i, nil
}
