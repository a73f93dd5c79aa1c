package rules

import (
	"bufio"
	"io"
	"os"
	"path/filepath"
	"strings"

	"grimm.is/bastion/internal/errdefs"
	"grimm.is/bastion/internal/validation"
)

var (
	validChains  = map[string]bool{"INPUT": true, "OUTPUT": true, "FORWARD": true}
	validProtos  = map[string]bool{"tcp": true, "udp": true, "icmp": true, "all": true}
	validActions = map[string]bool{"ACCEPT": true, "DROP": true, "REJECT": true}
)

// ParseLine parses a single fragment line:
//
//	<family> <chain> <proto> <port-or-range> <action> [# comment]
//
// file and lineno are carried into any ParseError.
func ParseLine(file string, lineno int, line string) (RuleLine, error) {
	var comment string
	if idx := strings.Index(line, "#"); idx >= 0 {
		comment = strings.TrimSpace(line[idx+1:])
		line = line[:idx]
	}

	fields := strings.Fields(line)
	if len(fields) != 5 {
		return RuleLine{}, errdefs.Parsef(file, lineno, "expected 5 fields (family chain proto port action), got %d", len(fields))
	}

	family, ok := ParseFamily(fields[0])
	if !ok {
		return RuleLine{}, errdefs.Parsef(file, lineno, "unknown family %q", fields[0])
	}

	chain := strings.ToUpper(fields[1])
	if !validChains[chain] {
		return RuleLine{}, errdefs.Parsef(file, lineno, "unknown chain %q", fields[1])
	}

	proto := strings.ToLower(fields[2])
	if !validProtos[proto] {
		return RuleLine{}, errdefs.Parsef(file, lineno, "unknown protocol %q", fields[2])
	}

	port := fields[3]
	if err := validation.ValidatePortSpec(port); err != nil {
		return RuleLine{}, errdefs.Parsef(file, lineno, "bad port spec %q", port)
	}

	action := strings.ToUpper(fields[4])
	if !validActions[action] {
		return RuleLine{}, errdefs.Parsef(file, lineno, "unknown action %q", fields[4])
	}

	return RuleLine{
		Family:  family,
		Chain:   chain,
		Proto:   proto,
		Port:    port,
		Action:  action,
		Comment: comment,
	}, nil
}

// parseReader parses all rule lines from r. Blank lines and comment-only
// lines are skipped.
func parseReader(file string, r io.Reader) ([]RuleLine, error) {
	var lines []RuleLine
	scanner := bufio.NewScanner(r)
	lineno := 0
	for scanner.Scan() {
		lineno++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		rl, err := ParseLine(file, lineno, text)
		if err != nil {
			return nil, err
		}
		lines = append(lines, rl)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return lines, nil
}

// LoadFragment parses one fragment file.
func LoadFragment(path string) (*Fragment, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	name := filepath.Base(path)
	lines, err := parseReader(name, f)
	if err != nil {
		return nil, err
	}
	return &Fragment{
		Name:  name,
		Class: ClassOfFragment(name),
		Lines: lines,
	}, nil
}
