package core

import "errors"

// 生命周期与接管相关错误，使用 errors.Is 判断
var (
	ErrAddressInvalid = errors.New("invalid listen address")
	ErrPortBind       = errors.New("failed to bind port")
	ErrAlreadyRunning = errors.New("proxy server is already running")
	ErrNotRunning     = errors.New("proxy server is not running")
	ErrConfigRead     = errors.New("failed to read live config")
	ErrConfigWrite    = errors.New("failed to write live config")
)
