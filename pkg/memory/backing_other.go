//go:build !unix

package memory

func newBacking(size int) ([]byte, error) {
	return make([]byte, size), nil
}

func freeBacking([]byte) {}
