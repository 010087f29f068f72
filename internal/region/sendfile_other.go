//go:build !linux

package region

import "os"

func sendFile(ch Channel, f *os.File, pos, remain int64) (int64, bool, error) {
	return 0, false, nil
}
