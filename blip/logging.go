package blip

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

var (
	discardLogger = &logrus.Logger{
		Out:       io.Discard,
		Level:     logrus.PanicLevel,
		Formatter: &logrus.TextFormatter{},
	}
	stderrLogger = &logrus.Logger{
		Out:   os.Stderr,
		Level: logrus.DebugLevel,
		Formatter: &logrus.TextFormatter{
			FullTimestamp: true,
		},
	}
)
