// Package compresspipe streams a source file through gzip or deflate into
// a destination artifact. It is the "Compression pipeline" leaf of the
// component table: a pure streaming transform with no knowledge of
// channels, single-flight, or the request state machine above it.
package compresspipe

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
)

// Group names the two compressible encodings the pipeline knows how to
// produce. "raw" never reaches WriteStream — the raw group serves the
// source file directly, with no artifact to write.
const (
	Gzip    = "gzip"
	Deflate = "deflate"
)

// ResolveLevel implements the level-resolution rule from the request
// state machine's defaults: the string "best"|"speed"|"no"|"default"
// maps to the matching codec level constant, an integer is taken
// literally, and anything else (including an empty or unrecognized
// string) falls back to "default". Config loading keeps its own copy of
// this mapping (resolveLevelPure in the tinycdn package), and WriteStream
// takes an already-resolved level.
func ResolveLevel(v any) int {
	switch t := v.(type) {
	case int:
		return t
	case string:
		switch t {
		case "best":
			return gzip.BestCompression
		case "speed":
			return gzip.BestSpeed
		case "no":
			return gzip.NoCompression
		default:
			return gzip.DefaultCompression
		}
	default:
		return gzip.DefaultCompression
	}
}

// WriteStream opens sourcePath for streaming read, pipes it through the
// codec named by group at the given level, and writes the result to
// destPath. The write goes through os.CreateTemp in destPath's directory
// followed by an atomic rename, so a concurrent reader never observes a
// half-written artifact — destination artifacts are only ever created
// once and never overwritten in place, even while a producer is still
// running.
func WriteStream(sourcePath, destPath, group string, level int) (err error) {
	src, err := os.Open(sourcePath)
	if err != nil {
		return fmt.Errorf("compresspipe: opening source: %w", err)
	}
	defer src.Close()

	destDir := filepath.Dir(destPath)
	tmp, err := os.CreateTemp(destDir, ".tinycdn-tmp-*")
	if err != nil {
		return fmt.Errorf("compresspipe: creating temp artifact: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	codec, err := newCodecWriter(tmp, group, level)
	if err != nil {
		return err
	}

	if _, err = io.Copy(codec, src); err != nil {
		return fmt.Errorf("compresspipe: streaming %s: %w", group, err)
	}
	if err = codec.Close(); err != nil {
		return fmt.Errorf("compresspipe: flushing %s: %w", group, err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("compresspipe: closing temp artifact: %w", err)
	}
	if err = os.Rename(tmpPath, destPath); err != nil {
		return fmt.Errorf("compresspipe: finalizing artifact: %w", err)
	}
	return nil
}

type codecWriter interface {
	io.WriteCloser
}

func newCodecWriter(w io.Writer, group string, level int) (codecWriter, error) {
	switch group {
	case Gzip:
		return gzip.NewWriterLevel(w, level)
	case Deflate:
		return flate.NewWriter(w, level)
	default:
		return nil, fmt.Errorf("compresspipe: unsupported encoding group %q", group)
	}
}

// LevelString renders a resolved level for logging, matching the
// operator-facing vocabulary rather than the numeric klauspost/compress
// constant.
func LevelString(level int) string {
	switch level {
	case gzip.BestCompression:
		return "best"
	case gzip.BestSpeed:
		return "speed"
	case gzip.NoCompression:
		return "no"
	case gzip.DefaultCompression:
		return "default"
	default:
		return strconv.Itoa(level)
	}
}
