package smtpserver

import (
	"fmt"

	"github.com/imyousuf/james-sub012/smtp"
)

// smtpError is panicked while executing a command. The connection command
// loop writes the response and, for user errors, keeps the connection open.
type smtpError struct {
	code       int
	secode     string
	errmsg     string // Sent in the response.
	err        error  // If set, used for logging.
	printStack bool
	userError  bool // Errors on the remote side are logged at a lower level.
}

func (e smtpError) Error() string { return e.errmsg }
func (e smtpError) Unwrap() error { return e.err }

type codes struct {
	code   int
	secode string // Enhanced code, without the leading class from code.
}

func xcheckf(err error, format string, args ...any) {
	if err != nil {
		msg := fmt.Sprintf(format, args...)
		panic(smtpError{smtp.C451LocalErr, smtp.SeSys3Other0, msg, fmt.Errorf("%s: %w", msg, err), true, false})
	}
}

func xsmtpErrorf(code int, secode string, userError bool, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	panic(smtpError{code, secode, msg, nil, false, userError})
}

func xsmtpServerErrorf(codes codes, format string, args ...any) {
	xsmtpErrorf(codes.code, codes.secode, false, format, args...)
}

func xsmtpUserErrorf(code int, secode string, format string, args ...any) {
	xsmtpErrorf(code, secode, true, format, args...)
}
