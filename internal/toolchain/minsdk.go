package toolchain

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ErrMinSDKNotFound is returned when no app build script declares a min SDK.
var ErrMinSDKNotFound = errors.New("failed to find minSdkVersion")

// gradleScripts are tried in order relative to the project directory.
//
//nolint:gochecknoglobals // Read-only lookup table.
var gradleScripts = []string{
	filepath.Join("app", "build.gradle"),
	filepath.Join("app", "build.gradle.kts"),
}

// MinSDK reads the app module min SDK from the Gradle build script.
// Both `minSdkVersion 21` and `minSdk = 21` forms are understood.
func MinSDK(projectDir string) (int, error) {
	for _, script := range gradleScripts {
		path := filepath.Join(projectDir, script)

		value, err := minSDKFromFile(path)
		if errors.Is(err, os.ErrNotExist) || errors.Is(err, ErrMinSDKNotFound) {
			continue
		}

		if err != nil {
			return 0, err
		}

		return value, nil
	}

	return 0, ErrMinSDKNotFound
}

// minSDKFromFile scans one build script.
func minSDKFromFile(path string) (int, error) {
	file, err := os.Open(filepath.Clean(path))
	if err != nil {
		return 0, err
	}

	defer func() {
		_ = file.Close()
	}()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		value, ok, parseErr := parseMinSDKLine(scanner.Text())
		if parseErr != nil {
			return 0, fmt.Errorf("%s: %w", path, parseErr)
		}

		if ok {
			return value, nil
		}
	}

	if err = scanner.Err(); err != nil {
		return 0, fmt.Errorf("read %s: %w", path, err)
	}

	return 0, ErrMinSDKNotFound
}

// parseMinSDKLine recognises a single min SDK declaration.
func parseMinSDKLine(line string) (int, bool, error) {
	tokens := strings.Fields(strings.ReplaceAll(line, "=", " "))
	if len(tokens) != 2 {
		return 0, false, nil
	}

	if tokens[0] != "minSdkVersion" && tokens[0] != "minSdk" {
		return 0, false, nil
	}

	value, err := strconv.Atoi(tokens[1])
	if err != nil {
		return 0, false, fmt.Errorf("parse %s: %w", tokens[0], err)
	}

	return value, true, nil
}
