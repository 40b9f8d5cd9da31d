package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供路由分类/分区/命中状态字段，供请求日志复用。
func RequestFields(route, partition string, cacheHit bool) logrus.Fields {
	return logrus.Fields{
		"route":     route,
		"partition": partition,
		"cache_hit": cacheHit,
	}
}

// SyncFields 提供同步事件日志的公共字段。
func SyncFields(tag string) logrus.Fields {
	return logrus.Fields{
		"action": "background_sync",
		"tag":    tag,
	}
}
