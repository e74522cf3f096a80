package gitinterop

import (
	"strings"

	"github.com/odvcencio/harbr/internal/repolock"
)

// Service is a Smart-HTTP service name as it appears in `?service=` and request paths.
type Service string

const (
	UploadPack  Service = "git-upload-pack"
	ReceivePack Service = "git-receive-pack"
)

const agent = "agent=harbr"

var serviceCapabilities = map[Service][]string{
	UploadPack: {
		"multi_ack", "thin-pack", "side-band", "side-band-64k", "ofs-delta", "shallow",
		"deepen-since", "deepen-not", "deepen-relative", "no-progress", "include-tag",
		"multi_ack_detailed", "no-done", "object-format=sha1", agent,
	},
	ReceivePack: {
		"report-status", "report-status-v2", "delete-refs", "side-band-64k", "quiet",
		"atomic", "ofs-delta", "object-format=sha1", agent,
	},
}

// ParseService accepts only the two Smart-HTTP services.
func ParseService(raw string) (Service, bool) {
	switch s := Service(raw); s {
	case UploadPack, ReceivePack:
		return s, true
	default:
		return "", false
	}
}

// Subcommand is the git subcommand implementing the service, e.g. "upload-pack".
func (s Service) Subcommand() string {
	return strings.TrimPrefix(string(s), "git-")
}

// Writes reports whether the service mutates the repository.
func (s Service) Writes() bool { return s == ReceivePack }

// LockMode is the guard mode a session of this service must hold.
func (s Service) LockMode() repolock.Mode {
	if s.Writes() {
		return repolock.Write
	}
	return repolock.Read
}

func (s Service) AdvertisementContentType() string {
	return "application/x-" + string(s) + "-advertisement"
}

func (s Service) ResultContentType() string {
	return "application/x-" + string(s) + "-result"
}

func (s Service) RequestContentType() string {
	return "application/x-" + string(s) + "-request"
}

// Capabilities returns the capability list advertised on the first ref line.
func (s Service) Capabilities() []string {
	return append([]string(nil), serviceCapabilities[s]...)
}
