package toolproto

import "fmt"

// CurrentVersion is the protocol version this client/server pair speaks.
const CurrentVersion = "v1"

// supportedVersions lists every version this build can negotiate down to,
// newest first.
var supportedVersions = []string{"v1"}

// NegotiateVersion picks the protocol version to use for a request that
// asked for requested. An empty requested is treated as CurrentVersion.
func NegotiateVersion(requested string) (string, error) {
	if requested == "" {
		return CurrentVersion, nil
	}
	for _, v := range supportedVersions {
		if v == requested {
			return v, nil
		}
	}
	return "", fmt.Errorf("toolproto: unsupported protocol version %q, supported: %v", requested, supportedVersions)
}
