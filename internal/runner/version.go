package runner

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/Masterminds/semver/v3"

	"salttesting/pkg/logging"
)

// MinimumSaltVersion is the oldest salt release the orchestrated daemon
// fleet is known to work with.
var MinimumSaltVersion = semver.MustParse("2014.7.0")

var versionPattern = regexp.MustCompile(`(\d+[.\d]*\d)`)

// saltVersionOutput runs `salt --version` and returns its raw output
var saltVersionOutput = func(ctx context.Context, saltCheckout string) (string, error) {
	binary := "salt"
	if saltCheckout != "" {
		binary = filepath.Join(saltCheckout, "salt")
	}
	output, err := exec.CommandContext(ctx, binary, "--version").CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("failed to run %s --version: %w", binary, err)
	}
	return string(output), nil
}

// ParseSaltVersion extracts the semantic version from `salt --version`
// output, e.g. "salt 2015.5.3 (Lithium)".
func ParseSaltVersion(output string) (*semver.Version, error) {
	match := versionPattern.FindString(strings.TrimSpace(output))
	if match == "" {
		return nil, fmt.Errorf("no version found in %q", output)
	}
	version, err := semver.NewVersion(match)
	if err != nil {
		return nil, fmt.Errorf("unparseable salt version %q: %w", match, err)
	}
	return version, nil
}

// CheckSaltVersion verifies a usable salt installation is on PATH before
// daemons are started. An older-than-minimum release only warns, running
// against old releases is allowed but unsupported.
func CheckSaltVersion(ctx context.Context, saltCheckout string) error {
	output, err := saltVersionOutput(ctx, saltCheckout)
	if err != nil {
		return err
	}
	version, err := ParseSaltVersion(output)
	if err != nil {
		return err
	}
	if version.LessThan(MinimumSaltVersion) {
		logging.Warn("Daemons", "salt %s is older than the supported minimum %s", version, MinimumSaltVersion)
	} else {
		logging.Debug("Daemons", "salt version %s", version)
	}
	return nil
}
