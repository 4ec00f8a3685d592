package config

import (
	"errors"
	"log"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Options 控制加载行为，零值即可用
type Options struct {
	// 额外的配置搜索路径，默认 ./config 和 .
	Paths []string
	// 配置文件缺失时是否继续（只用默认值 + 环境变量）
	AllowMissing bool
	// 默认值，key 使用 viper 的点分格式
	Defaults map[string]interface{}
	// 额外绑定的环境变量：config key -> ENV 名，兼容老服务的变量名
	EnvBindings map[string]string
	// 热更新成功后回调（out 已经被原地更新）
	OnChange func()
	// Reload 非 nil 时不再原地改 out，由调用方从 v 解码到新的结构体
	Reload func(v *viper.Viper)
}

func LoadAndWatch(service string, out interface{}, opts ...Options) (*viper.Viper, error) {
	var opt Options
	if len(opts) > 0 {
		opt = opts[0]
	}

	v := viper.New()
	// 约定：config/{service}.yaml
	v.SetConfigName(service)
	v.SetConfigType("yaml")
	paths := opt.Paths
	if len(paths) == 0 {
		paths = []string{"./config", "."}
	}
	for _, p := range paths {
		v.AddConfigPath(p)
	}

	for k, val := range opt.Defaults {
		v.SetDefault(k, val)
	}

	// 环境变量覆盖，例如：
	//   EXEC_SIM_NATS_URL 覆盖 nats.url
	v.SetEnvPrefix(envPrefix(service))
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range opt.EnvBindings {
		if err := v.BindEnv(key, envPrefix(service)+"_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_")), env); err != nil {
			return nil, err
		}
	}

	fileLoaded := true
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !opt.AllowMissing || !errors.As(err, &notFound) {
			return nil, err
		}
		fileLoaded = false
	}

	if err := v.Unmarshal(out); err != nil {
		return nil, err
	}

	if !fileLoaded {
		log.Printf("[%s] no config file found, using defaults and environment", service)
		return v, nil
	}
	log.Printf("[%s] config loaded from %s", service, v.ConfigFileUsed())

	// 监听文件变更，热更新到 out
	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		log.Printf("[%s] config file changed: %s", service, e.Name)
		applyChange(service, v, out, opt)
	})

	return v, nil
}

func applyChange(service string, v *viper.Viper, out interface{}, opt Options) {
	if opt.Reload != nil {
		opt.Reload(v)
		return
	}
	if err := v.Unmarshal(out); err != nil {
		log.Printf("[%s] reload config error: %v", service, err)
		return
	}
	log.Printf("[%s] config reloaded OK", service)
	if opt.OnChange != nil {
		opt.OnChange()
	}
}

// exec-sim -> EXEC_SIM
func envPrefix(service string) string {
	return strings.ToUpper(strings.ReplaceAll(service, "-", "_"))
}
