// Package version reports the build identity of dslock binaries.
package version

import (
	"runtime/debug"
	"strings"
	"time"
)

const defaultModule = "pkt.systems/dslock"

// buildVersion is set via -ldflags "-X pkt.systems/dslock/internal/version.buildVersion=...".
var buildVersion = ""

// Info is the resolved build identity.
type Info struct {
	Module   string
	Version  string
	Revision string
	Dirty    bool
}

// String renders "module version".
func (i Info) String() string {
	return i.Module + " " + i.Version
}

// Read resolves the build identity from ldflags and embedded build info.
func Read() Info {
	info := Info{Module: defaultModule, Version: strings.TrimSpace(buildVersion)}
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		if info.Version == "" {
			info.Version = "v0.0.0-unknown"
		}
		return info
	}
	if path := strings.TrimSpace(bi.Main.Path); path != "" {
		info.Module = path
	}
	var vcsTime string
	for _, setting := range bi.Settings {
		switch setting.Key {
		case "vcs.revision":
			info.Revision = setting.Value
		case "vcs.time":
			vcsTime = setting.Value
		case "vcs.modified":
			info.Dirty = setting.Value == "true"
		}
	}
	if info.Version != "" {
		return info
	}
	if v := strings.TrimSpace(bi.Main.Version); v != "" && v != "(devel)" {
		info.Version = v
		return info
	}
	info.Version = pseudoVersion(info.Revision, vcsTime, info.Dirty)
	return info
}

func pseudoVersion(revision, vcsTime string, dirty bool) string {
	parsed, err := time.Parse(time.RFC3339, vcsTime)
	if revision == "" || err != nil {
		return "v0.0.0-unknown"
	}
	if len(revision) > 12 {
		revision = revision[:12]
	}
	v := "v0.0.0-" + parsed.UTC().Format("20060102150405") + "-" + revision
	if dirty {
		v += "+dirty"
	}
	return v
}
