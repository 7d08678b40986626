package plugin

import "fmt"

// RegexCompileError drops one route at registration time.
type RegexCompileError struct {
	Pattern string
	Owner   string
	Err     error
}

func (e *RegexCompileError) Error() string {
	return fmt.Sprintf("compile pattern %q for %s: %v", e.Pattern, e.Owner, e.Err)
}

func (e *RegexCompileError) Unwrap() error { return e.Err }

// LoadError reports a plugin file that could not be loaded.
type LoadError struct {
	Path string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load plugin %s: %v", e.Path, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// HandlerError wraps a failure raised while a handler ran. Stack is set when
// the handler panicked.
type HandlerError struct {
	Plugin  string
	Handler string
	Err     error
	Stack   string
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler %s.%s: %v", e.Plugin, e.Handler, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }
