package utils

import (
	"mspk/tools/config"
	"mspk/utils/log"

	"github.com/sirupsen/logrus"
)

var Log *logrus.Logger

func init() {
	config.LoadConf()
	Log = log.InitLogger()
}
