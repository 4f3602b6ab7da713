//go:build !unix

package bench

func osRelease() string {
	return ""
}
