// Package process supervises a single media worker subprocess.
//
// Start launches the worker binary (optionally behind a wrapper such as
// valgrind) with four extra pipes attached as fds 3 to 6:
//
//	fd 3  control channel, parent -> worker
//	fd 4  control channel, worker -> parent
//	fd 5  payload channel, parent -> worker
//	fd 6  payload channel, worker -> parent
//
// Worker stdout is logged at debug level and stderr at error level.
// Stop sends SIGTERM and force-kills the process group when the worker
// does not exit within the graceful timeout.
//
// Exit codes are mapped onto errors by ExitStatus.Err:
//
//	0   clean exit (nil)
//	1   ErrExitGeneric
//	42  ErrExitSettings
//	*   *UnknownExitError
package process
