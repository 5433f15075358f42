// Copyright The Mantle Authors
// SPDX-License-Identifier: Apache-2.0

package attempter

import (
	"context"
	"fmt"
	"os"
)

// FileSource is a PayloadSource for host-mode sideloading: it reads a
// byte range directly out of a local file, ignoring headers (there is no
// transport to carry them over for a local file).
type FileSource struct {
	Path string
}

func (f FileSource) Fetch(ctx context.Context, offset, size int64, headers map[string]string) ([]byte, error) {
	file, err := os.Open(f.Path)
	if err != nil {
		return nil, fmt.Errorf("attempter: opening payload file: %w", err)
	}
	defer file.Close()

	if size == 0 {
		info, err := file.Stat()
		if err != nil {
			return nil, fmt.Errorf("attempter: statting payload file: %w", err)
		}
		size = info.Size() - offset
	}

	buf := make([]byte, size)
	if _, err := file.ReadAt(buf, offset); err != nil {
		return nil, fmt.Errorf("attempter: reading payload range: %w", err)
	}
	return buf, nil
}

var _ PayloadSource = FileSource{}
