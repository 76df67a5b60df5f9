package sandbox

import (
	"archive/tar"
	"bytes"
	"fmt"
	"path"
	"strings"
	"time"
)

// singleFileTar builds an uncompressed tar archive holding one file and its
// parent directories, suitable for CopyToContainer at "/".
func singleFileTar(name string, content []byte, mode int64) ([]byte, error) {
	name = strings.TrimPrefix(path.Clean("/"+name), "/")
	if name == "" || name == "." {
		return nil, fmt.Errorf("invalid file name in archive: %q", name)
	}

	var buf bytes.Buffer
	tarWriter := tar.NewWriter(&buf)
	now := time.Now()

	var parents []string
	for dir := path.Dir(name); dir != "." && dir != "/"; dir = path.Dir(dir) {
		parents = append([]string{dir}, parents...)
	}
	for _, dir := range parents {
		header := &tar.Header{
			Typeflag: tar.TypeDir,
			Name:     dir + "/",
			Mode:     DirPermission,
			ModTime:  now,
		}
		if err := tarWriter.WriteHeader(header); err != nil {
			return nil, err
		}
	}

	header := &tar.Header{
		Typeflag: tar.TypeReg,
		Name:     name,
		Mode:     mode,
		Size:     int64(len(content)),
		ModTime:  now,
	}
	if err := tarWriter.WriteHeader(header); err != nil {
		return nil, err
	}
	if _, err := tarWriter.Write(content); err != nil {
		return nil, err
	}

	if err := tarWriter.Close(); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}
