package transfer

import (
	"fmt"
	"net/url"
	"strings"
)

// Well-known schemes.
const (
	// SchemeLocal is the canonical scheme for the local filesystem.
	// A location without a scheme is local.
	SchemeLocal = "local"

	// SchemeFile is accepted as an alias for SchemeLocal.
	SchemeFile = "file"

	// SchemeS3 addresses AWS S3 or S3-compatible storage.
	SchemeS3 = "s3"

	// SchemeHDFS is the default scheme served by the mount backend.
	SchemeHDFS = "hdfs"
)

// Location is a parsed transfer URI.
//
// Example locations:
//   - /tmp/a.sh
//   - local:///tmp/a.sh
//   - s3://bucket/path/to/object.txt
//   - hdfs://namenode:8020/user/jobs/run.py
type Location struct {
	// Scheme is the lower-cased URI scheme. Empty for bare paths.
	Scheme string

	// Host is the authority part (bucket, namenode). Empty for local paths.
	Host string

	// Path is the path or object key. Local paths keep their leading slash;
	// object keys do not.
	Path string

	// Raw is the original input.
	Raw string
}

// String returns the location in canonical form.
func (l Location) String() string {
	switch l.Scheme {
	case "":
		return l.Path
	case SchemeS3:
		return fmt.Sprintf("%s://%s/%s", l.Scheme, l.Host, l.Path)
	default:
		return fmt.Sprintf("%s://%s%s", l.Scheme, l.Host, l.Path)
	}
}

// IsLocal reports whether the location addresses the local filesystem.
func (l Location) IsLocal() bool {
	return l.Scheme == "" || l.Scheme == SchemeLocal || l.Scheme == SchemeFile
}

// ParseLocation splits a transfer URI into its components.
//
// Parsing is manual rather than url.Parse so that characters such as '?' and
// '#' are kept as part of a key or path.
func ParseLocation(raw string) (Location, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Location{}, fmt.Errorf("%w: empty location", ErrInvalidLocation)
	}

	schemeEnd := strings.Index(trimmed, "://")
	if schemeEnd == -1 {
		return Location{Path: trimmed, Raw: raw}, nil
	}

	scheme := strings.ToLower(trimmed[:schemeEnd])
	if scheme == "" || !isSchemeName(scheme) {
		return Location{}, fmt.Errorf("%w: malformed scheme in %q", ErrInvalidLocation, raw)
	}

	remainder := trimmed[schemeEnd+3:]
	var host, path string
	if slashIdx := strings.Index(remainder, "/"); slashIdx == -1 {
		host = remainder
	} else {
		host = remainder[:slashIdx]
		path = remainder[slashIdx:]
	}

	loc := Location{Scheme: scheme, Host: host, Raw: raw}
	switch scheme {
	case SchemeS3:
		if host == "" {
			return Location{}, fmt.Errorf("%w: missing bucket name in %q", ErrInvalidLocation, raw)
		}
		if _, err := url.Parse("s3://" + host + "/"); err != nil {
			return Location{}, fmt.Errorf("%w: invalid bucket name %q", ErrInvalidLocation, host)
		}
		loc.Path = strings.TrimPrefix(path, "/")
	default:
		loc.Path = path
	}

	if loc.Path == "" || loc.Path == "/" {
		return Location{}, fmt.Errorf("%w: missing path in %q", ErrInvalidLocation, raw)
	}
	return loc, nil
}

func isSchemeName(s string) bool {
	for i, r := range s {
		switch {
		case r >= 'a' && r <= 'z':
		case i > 0 && (r >= '0' && r <= '9' || r == '+' || r == '-' || r == '.'):
		default:
			return false
		}
	}
	return true
}
