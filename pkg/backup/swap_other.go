//go:build !linux

package backup

func exchange(_, _ string) error {
	return errExchangeUnsupported
}
