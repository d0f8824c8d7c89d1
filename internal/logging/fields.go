package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供主机、路径、缓存键与处理结果字段，供拦截请求日志复用。
func RequestFields(host, path, key, outcome string) logrus.Fields {
	return logrus.Fields{
		"host":    host,
		"path":    path,
		"key":     key,
		"outcome": outcome,
	}
}
