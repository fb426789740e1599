//go:build !unix

package fsutil

import "errors"

func linkUnsupported(err error) bool {
	return errors.Is(err, errors.ErrUnsupported)
}
