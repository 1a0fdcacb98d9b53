package util

import (
	"os"

	"github.com/dsg-config/dconfigd/lib/util/logger"
)

var log = logger.GetLogger()

// UserHome returns the home directory of the current user. It falls back to
// $HOME and then to the working directory, so a daemon started without a
// home still finds a place for its user config.
func UserHome() string {
	homeDir, err := os.UserHomeDir()
	if err == nil {
		return homeDir
	}
	if home := os.Getenv("HOME"); home != "" {
		log.WithError(err).Warn("user_home_from_env")
		return home
	}
	if wd, wdErr := os.Getwd(); wdErr == nil {
		log.WithError(err).Warn("user_home_from_working_dir")
		return wd
	}
	return "/"
}
