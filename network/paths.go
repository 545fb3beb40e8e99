package network

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

const (
	// TempSuffix marks in-flight receive files.
	TempSuffix = ".local-sent.part"
	// maxDuplicateIndex bounds the stem(i).ext collision search.
	maxDuplicateIndex = 10000
	// tempDigestPrefixLen is how much of the header digest the temp
	// filename encodes, enough to tell resumes of different content apart.
	tempDigestPrefixLen = 16
)

var (
	// ErrPathEscapes indicates a resolved target left the output directory.
	ErrPathEscapes = errors.New("path escapes output directory")
	// ErrInvalidRelativePath indicates an empty or traversing relative path.
	ErrInvalidRelativePath = errors.New("invalid relative path")
)

// NormalizeRelativePath canonicalizes a wire relative path: backslashes
// become forward slashes, "." segments and repeated or leading slashes
// collapse, and any ".." segment rejects the whole path.
func NormalizeRelativePath(input string) (string, error) {
	cleaned := strings.ReplaceAll(strings.TrimSpace(input), "\\", "/")

	segments := make([]string, 0, 8)
	for _, segment := range strings.Split(cleaned, "/") {
		switch segment {
		case "", ".":
			continue
		case "..":
			return "", fmt.Errorf("%w: %q", ErrInvalidRelativePath, input)
		}
		segments = append(segments, segment)
	}

	if len(segments) == 0 {
		return "", fmt.Errorf("%w: %q", ErrInvalidRelativePath, input)
	}
	return strings.Join(segments, "/"), nil
}

// ResolveWithin joins a normalized relative path to the output root and
// verifies the result stays inside it.
func ResolveWithin(outputRoot, relative string) (string, error) {
	normalized, err := NormalizeRelativePath(relative)
	if err != nil {
		return "", err
	}

	rootAbs, err := filepath.Abs(outputRoot)
	if err != nil {
		return "", fmt.Errorf("resolve output directory: %w", err)
	}

	resolved := filepath.Join(rootAbs, filepath.FromSlash(normalized))
	if !strings.HasPrefix(resolved, rootAbs+string(filepath.Separator)) {
		return "", ErrPathEscapes
	}
	return resolved, nil
}

// numberedPath derives the i-th duplicate candidate: stem(i).ext.
// Index zero is the path itself.
func numberedPath(path string, index int) string {
	if index == 0 {
		return path
	}
	dir := filepath.Dir(path)
	base := filepath.Base(path)
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	return filepath.Join(dir, fmt.Sprintf("%s(%d)%s", stem, index, ext))
}

// tempPathFor derives the in-flight temp name for a final path. The
// embedded digest prefix lets a later session find its own partial file.
func tempPathFor(finalPath, sha256Hex string) string {
	tag := sha256Hex
	if len(tag) > tempDigestPrefixLen {
		tag = tag[:tempDigestPrefixLen]
	}
	return finalPath + "." + tag + TempSuffix
}

// chooseTarget picks the final and temp paths for an inbound file using
// duplicate-aware selection: an existing temp for the same digest is
// reused (true resume), otherwise the first free stem(i).ext wins.
func chooseTarget(outputDir, relativePath, sha256Hex string) (finalPath, tempPath string, err error) {
	base, err := ResolveWithin(outputDir, relativePath)
	if err != nil {
		return "", "", err
	}

	for index := 0; index < maxDuplicateIndex; index++ {
		candidate := numberedPath(base, index)
		temp := tempPathFor(candidate, sha256Hex)

		if _, err := os.Stat(temp); err == nil {
			return candidate, temp, nil
		}
		if _, err := os.Stat(candidate); errors.Is(err, os.ErrNotExist) {
			return candidate, temp, nil
		}
	}
	return "", "", fmt.Errorf("no free target name for %q after %d attempts", relativePath, maxDuplicateIndex)
}

// promoteTemp renames the verified temp file to its final name. A name
// taken in the meantime advances to the next duplicate index; a
// cross-device rename falls back to copy plus delete.
func promoteTemp(tempPath, finalPath string) (string, error) {
	for index := 0; index < maxDuplicateIndex; index++ {
		candidate := numberedPath(finalPath, index)
		if _, err := os.Stat(candidate); err == nil {
			continue
		}

		err := os.Rename(tempPath, candidate)
		if err == nil {
			return candidate, nil
		}
		if isCrossDevice(err) {
			if err := copyAndRemove(tempPath, candidate); err != nil {
				return "", err
			}
			return candidate, nil
		}
		if errors.Is(err, os.ErrExist) {
			continue
		}
		return "", fmt.Errorf("promote %q: %w", tempPath, err)
	}
	return "", fmt.Errorf("no free final name for %q after %d attempts", finalPath, maxDuplicateIndex)
}

func copyAndRemove(sourcePath, targetPath string) error {
	source, err := os.Open(sourcePath)
	if err != nil {
		return fmt.Errorf("open temp for copy: %w", err)
	}
	defer func() {
		_ = source.Close()
	}()

	target, err := os.OpenFile(targetPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("create final file: %w", err)
	}

	if _, err := io.Copy(target, source); err != nil {
		_ = target.Close()
		_ = os.Remove(targetPath)
		return fmt.Errorf("copy temp to final: %w", err)
	}
	if err := target.Close(); err != nil {
		return fmt.Errorf("close final file: %w", err)
	}
	return os.Remove(sourcePath)
}
