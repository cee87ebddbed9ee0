package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// ItemFields 描述一次针对缓存条目的后台操作（下载、删除、迁移）。
func ItemFields(action, itemKey string) logrus.Fields {
	return logrus.Fields{
		"action":   action,
		"item_key": itemKey,
	}
}

// GroupFields 描述一次针对缓存组的操作（开启/关闭缓存）。
func GroupFields(action, groupKey string, enabled bool) logrus.Fields {
	return logrus.Fields{
		"action":    action,
		"group_key": groupKey,
		"enabled":   enabled,
	}
}

// RequestFields 提供 HTTP API 请求日志的通用字段。
func RequestFields(method, path, requestID string, status int) logrus.Fields {
	return logrus.Fields{
		"method":     method,
		"path":       path,
		"request_id": requestID,
		"status":     status,
	}
}
