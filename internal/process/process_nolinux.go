//go:build !linux

package process

func awaitExit(int) bool {
	return false
}
