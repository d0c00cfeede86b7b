package process

import (
	"strconv"
	"strings"
)

// WorkerArgs are the command line settings understood by the worker binary.
type WorkerArgs struct {
	LogLevel            string
	LogTags             []string
	RtcMinPort          uint16
	RtcMaxPort          uint16
	DtlsCertificateFile string
	DtlsPrivateKeyFile  string
}

// BuildArgs renders WorkerArgs as worker command line flags.
func BuildArgs(a WorkerArgs) []string {
	args := []string{"--logLevel=" + a.LogLevel}
	if len(a.LogTags) > 0 {
		args = append(args, "--logTags="+strings.Join(a.LogTags, ","))
	}
	args = append(args,
		"--rtcMinPort="+strconv.Itoa(int(a.RtcMinPort)),
		"--rtcMaxPort="+strconv.Itoa(int(a.RtcMaxPort)),
	)
	if a.DtlsCertificateFile != "" {
		args = append(args, "--dtlsCertificateFile="+a.DtlsCertificateFile)
	}
	if a.DtlsPrivateKeyFile != "" {
		args = append(args, "--dtlsPrivateKeyFile="+a.DtlsPrivateKeyFile)
	}
	return args
}
