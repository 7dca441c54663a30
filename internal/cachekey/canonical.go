package cachekey

import "strings"

// CanonicalizeWorkingDir normalizes a working directory path for key derivation:
// backslashes become forward slashes, "." and ".." segments collapse, trailing
// slashes drop, and a Windows-style drive letter prefix is lower-cased into a
// uniform "/c/..." form so the same logical directory hashes identically across
// platforms.
func CanonicalizeWorkingDir(path string) string {
	p := strings.ReplaceAll(path, "\\", "/")

	if len(p) >= 2 && p[1] == ':' && isASCIILetter(p[0]) {
		p = "/" + strings.ToLower(p[:1]) + p[2:]
	}

	segments := strings.Split(p, "/")
	out := make([]string, 0, len(segments))
	for _, seg := range segments {
		switch seg {
		case "", ".":
			continue
		case "..":
			if len(out) > 0 && out[len(out)-1] != ".." {
				out = out[:len(out)-1]
			} else {
				out = append(out, seg)
			}
		default:
			out = append(out, seg)
		}
	}

	result := strings.Join(out, "/")
	if strings.HasPrefix(p, "/") {
		result = "/" + result
	}
	if result == "" {
		result = "/"
	}
	return result
}

func isASCIILetter(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}
