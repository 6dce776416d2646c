package config

import (
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	str2duration "github.com/xhit/go-str2duration/v2"
)

var configPath = "./configs/"
var envConfigPath = "./.env"

func LoadConf() {
	// 读取默认配置
	if err := setJsonConfig(); err != nil {
		log.Fatalln("load config files error:", err.Error())
	}
	// 读取环境变量
	if err := setEnvConfig(); err != nil {
		log.Fatalln("load env error:", err.Error())
	}
}

// setJsonConfig 读取config文件夹下的配置
func setJsonConfig() error {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil
	}
	exsit, _ := pathExists(absPath)
	if exsit {
		fileInfoList, err := os.ReadDir(absPath)
		if err != nil {
			return err
		}
		for i := range fileInfoList {
			viper.SetConfigFile(absPath + "/" + fileInfoList[i].Name())
			if err := viper.MergeInConfig(); err != nil {
				return err
			}
		}
	}

	return nil
}

// setEnvConfig
func setEnvConfig() error {
	// 读取系统变量
	viper.AutomaticEnv()
	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	// 读取env 文件
	envViper := viper.New()
	absPath, err := filepath.Abs(envConfigPath)
	if err != nil {
		return nil
	}
	exsit, _ := pathExists(absPath)
	if exsit {
		envViper.SetConfigFile(absPath)
		if err := envViper.ReadInConfig(); err != nil {
			return err
		}
	}
	// 配置合并到viper
	envKeys := envViper.AllKeys()
	for i := range envKeys {
		viper.Set(strings.Replace(envKeys[i], "_", ".", 1), envViper.Get(envKeys[i]))
	}

	return nil
}

// WatchConf 监听配置文件变化，热更新日志级别
func WatchConf(logger *logrus.Logger) {
	viper.WatchConfig()
	viper.OnConfigChange(func(e fsnotify.Event) {
		logger.Infof("config file changed: %s", e.Name)
		var level logrus.Level
		if err := level.UnmarshalText([]byte(viper.GetString("log.level"))); err == nil {
			logger.SetLevel(level)
		}
	})
}

// Duration 解析时间配置（"60s"、"100ms"、"1h30m"），缺省或非法时返回默认值
func Duration(key string, def time.Duration) time.Duration {
	raw := viper.GetString(key)
	if raw == "" {
		return def
	}
	d, err := str2duration.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid duration for %s: %q, using default %s", key, raw, def)
		return def
	}
	return d
}

func pathExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}
