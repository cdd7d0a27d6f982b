//go:build !linux && !darwin

package service

type unsupportedService struct{}

// New creates a new platform-specific service manager
func New(opts Options) Service {
	return unsupportedService{}
}

func (unsupportedService) Install() error          { return ErrUnsupported }
func (unsupportedService) Uninstall() error        { return ErrUnsupported }
func (unsupportedService) IsInstalled() bool       { return false }
func (unsupportedService) Status() (string, error) { return "not supported", nil }
