package logging

type nop struct{}

func (nop) WithField(string, interface{}) Interface { return nop{} }
func (nop) WithError(error) Interface               { return nop{} }

func (nop) Debug(string) {}
func (nop) Info(string)  {}
func (nop) Warn(string)  {}
func (nop) Error(string) {}
func (nop) Fatal(string) {}

func (nop) Debugf(string, ...interface{}) {}
func (nop) Infof(string, ...interface{})  {}
func (nop) Warnf(string, ...interface{})  {}
func (nop) Errorf(string, ...interface{}) {}
func (nop) Fatalf(string, ...interface{}) {}

// Nop returns a logger that discards everything.
func Nop() Interface { return nop{} }
