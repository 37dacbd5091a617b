package backup

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// filePacketSize is the chunk size streamed per MsgFileBackupData frame.
// Content blobs are not chunked: each ContentQueryAnswer carries one
// whole blob.
const filePacketSize = 64 * 1024

// FsFileSource is the default FileSource: it streams whichever whole
// files live directly under dir (the source's own profile-media
// originals directory), computing each file's sha256 before streaming
// its packets so OpenFile can announce the sum up front.
type FsFileSource struct {
	dir string
}

func NewFsFileSource(dir string) *FsFileSource { return &FsFileSource{dir: dir} }

func (s *FsFileSource) ListFiles(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("backup: list source files: %w", err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		out = append(out, e.Name())
	}
	return out, nil
}

func (s *FsFileSource) OpenFile(ctx context.Context, fileName string) ([32]byte, <-chan []byte, error) {
	if fileName == "" || filepath.Base(fileName) != fileName {
		return [32]byte{}, nil, newErr(ErrInvalidFileName, nil)
	}
	path := filepath.Join(s.dir, fileName)

	f, err := os.Open(path)
	if err != nil {
		return [32]byte{}, nil, newErr(ErrRead, err)
	}

	hasher := sha256.New()
	if _, err := io.Copy(hasher, f); err != nil {
		f.Close()
		return [32]byte{}, nil, newErr(ErrRead, err)
	}
	var sum [32]byte
	copy(sum[:], hasher.Sum(nil))

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		f.Close()
		return [32]byte{}, nil, newErr(ErrRead, err)
	}

	packets := make(chan []byte)
	go func() {
		defer f.Close()
		defer close(packets)
		buf := make([]byte, filePacketSize)
		for {
			n, err := f.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				select {
				case packets <- chunk:
				case <-ctx.Done():
					return
				}
			}
			if err == io.EOF {
				return
			}
			if err != nil {
				return
			}
		}
	}()

	return sum, packets, nil
}
