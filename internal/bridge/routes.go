package bridge

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Route 描述一条目标链配置。禁用路由只翻转 Allowed，接收方地址保留。
type Route struct {
	ChainID        uint64 `yaml:"chain_id" json:"chain_id"`
	Allowed        bool   `yaml:"allowed" json:"allowed"`
	RemoteReceiver string `yaml:"remote_receiver" json:"remote_receiver"`
}

// RouteDefinitions models the structure of configs/routes.yaml.
type RouteDefinitions struct {
	Routes []Route `yaml:"routes"`
}

// LoadRouteDefinitions parses the YAML file containing bridge routes.
func LoadRouteDefinitions(path string) (RouteDefinitions, error) {
	if strings.TrimSpace(path) == "" {
		return RouteDefinitions{}, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return RouteDefinitions{}, fmt.Errorf("读取路由配置失败: %w", err)
	}

	var defs RouteDefinitions
	if err := yaml.Unmarshal(content, &defs); err != nil {
		return RouteDefinitions{}, fmt.Errorf("解析路由配置失败: %w", err)
	}
	return defs, nil
}
