package hlsprep

// settings are shared by every stage.
type settings struct {
	checker   Checker
	striper   Striper
	overwrite bool
}

func newSettings(options []Option) (settings, error) {
	s := settings{checker: FileChecker{}}
	var err error
	if s.striper, err = NewStriper(); err != nil {
		return s, err
	}
	for _, o := range options {
		if err := o(&s); err != nil {
			return s, err
		}
	}
	return s, nil
}

type Option func(s *settings) error

// WithChecker replaces the GeoTIFF header check used to detect outputs of
// previous runs.
func WithChecker(c Checker) Option {
	return func(s *settings) error {
		if c == nil {
			return ErrInvalidOption{"checker must not be nil"}
		}
		s.checker = c
		return nil
	}
}

// WithStriper sets the strip layout used when streaming bands.
func WithStriper(st Striper) Option {
	return func(s *settings) error {
		if st.targetPixelCount <= 0 || st.blockHeight <= 0 {
			return ErrInvalidOption{"striper must be created with NewStriper"}
		}
		s.striper = st
		return nil
	}
}

// Overwrite disables skip-if-exists.
func Overwrite() Option {
	return func(s *settings) error {
		s.overwrite = true
		return nil
	}
}

// exists reports whether a reusable output is present at path.
func (s settings) exists(path string, bands int) (bool, error) {
	if s.overwrite {
		return false, nil
	}
	return s.checker.Done(path, bands)
}

// present reports whether an input is present, regardless of Overwrite.
func (s settings) present(path string) (bool, error) {
	return s.checker.Done(path, 0)
}
