package ban

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// writeBanFragment regenerates the ban rule fragment the consolidator
// folds into the canonical set. One DROP line per family that currently
// has banned members; the member list rides along as comment lines for
// the auditor.
func writeBanFragment(dir string, v4, v6 []string, setV4, setV6 string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	var b strings.Builder
	b.WriteString("# ban fragment -- machine generated, do not edit\n")
	if len(v4) > 0 {
		sort.Strings(v4)
		fmt.Fprintf(&b, "# %s members: %s\n", setV4, strings.Join(v4, " "))
		fmt.Fprintf(&b, "v4 INPUT all all DROP # sources in %s\n", setV4)
	}
	if len(v6) > 0 {
		sort.Strings(v6)
		fmt.Fprintf(&b, "# %s members: %s\n", setV6, strings.Join(v6, " "))
		fmt.Fprintf(&b, "v6 INPUT all all DROP # sources in %s\n", setV6)
	}

	return writeFileAtomic(filepath.Join(dir, "bans.rules"), []byte(b.String()))
}

// WriteWhitelistFragment writes the whitelist rule fragment for the given
// exempt networks. It runs once at startup and whenever the whitelist
// configuration is reloaded.
func WriteWhitelistFragment(dir string, nets []*net.IPNet) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	hasV4, hasV6 := false, false
	var members []string
	for _, n := range nets {
		members = append(members, n.String())
		if n.IP.To4() != nil {
			hasV4 = true
		} else {
			hasV6 = true
		}
	}

	var b strings.Builder
	b.WriteString("# whitelist fragment -- machine generated, do not edit\n")
	if len(members) > 0 {
		sort.Strings(members)
		fmt.Fprintf(&b, "# exempt networks: %s\n", strings.Join(members, " "))
	}
	if hasV4 {
		b.WriteString("v4 INPUT all all ACCEPT # whitelisted sources\n")
	}
	if hasV6 {
		b.WriteString("v6 INPUT all all ACCEPT # whitelisted sources\n")
	}

	return writeFileAtomic(filepath.Join(dir, "whitelist.rules"), []byte(b.String()))
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".fragment-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
