//go:build !linux

package nfq

func (i *Interceptor) startInterception() (stop func() error, err error) {
	return nil, ErrNotSupported
}
