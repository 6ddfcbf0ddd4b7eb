// internal/pkg/nacos/client.go
package nacos

import (
	"net"
	"strconv"
	"strings"

	"github.com/nacos-group/nacos-sdk-go/v2/clients"
	"github.com/nacos-group/nacos-sdk-go/v2/clients/naming_client"
	"github.com/nacos-group/nacos-sdk-go/v2/common/constant"
	"github.com/nacos-group/nacos-sdk-go/v2/vo"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const defaultGroup = "DEFAULT_GROUP"

// Client 封装了 Nacos 命名客户端，只用到注册、注销和选择健康实例
type Client struct {
	naming    naming_client.INamingClient
	namespace string
	group     string
}

// Instance 是发现到的一个服务实例
type Instance struct {
	IP       string
	Port     int
	Metadata map[string]string
}

// Addr 返回 host:port
func (i Instance) Addr() string {
	return net.JoinHostPort(i.IP, strconv.Itoa(i.Port))
}

// ParseServerConfigs 解析 "ip1:port1,ip2:port2" 格式的地址
func ParseServerConfigs(addrs string) ([]constant.ServerConfig, error) {
	var configs []constant.ServerConfig
	for _, addr := range strings.Split(addrs, ",") {
		addr = strings.TrimSpace(addr)
		if addr == "" {
			continue
		}
		host, portStr, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid nacos address %q", addr)
		}
		port, err := strconv.ParseUint(portStr, 10, 64)
		if err != nil {
			return nil, errors.Errorf("invalid port in nacos address %q", addr)
		}
		configs = append(configs, *constant.NewServerConfig(host, port))
	}
	if len(configs) == 0 {
		return nil, errors.Errorf("no nacos server address in %q", addrs)
	}
	return configs, nil
}

// NewNacosClient 创建命名客户端。group 为空时使用 DEFAULT_GROUP。
func NewNacosClient(addrs, namespace, group string) (*Client, error) {
	if namespace == "" {
		log.Warn().Msg("nacos namespace is not set, using the public namespace")
	}
	if group == "" {
		group = defaultGroup
	}

	serverConfigs, err := ParseServerConfigs(addrs)
	if err != nil {
		return nil, err
	}
	clientConfig := *constant.NewClientConfig(
		constant.WithNotLoadCacheAtStart(true),
		constant.WithLogDir("/tmp/nacos/log"),
		constant.WithCacheDir("/tmp/nacos/cache"),
		constant.WithLogLevel("warn"),
		constant.WithNamespaceId(namespace),
	)
	naming, err := clients.NewNamingClient(vo.NacosClientParam{
		ClientConfig:  &clientConfig,
		ServerConfigs: serverConfigs,
	})
	if err != nil {
		return nil, errors.Wrap(err, "create nacos naming client")
	}

	log.Info().Str("addrs", addrs).Str("group", group).Msg("✅ Connected to Nacos.")
	return &Client{naming: naming, namespace: namespace, group: group}, nil
}

// RegisterServiceInstance 以临时实例注册，心跳断开后 Nacos 会自动摘除
func (c *Client) RegisterServiceInstance(service, ip string, port int, metadata map[string]string) error {
	ok, err := c.naming.RegisterInstance(vo.RegisterInstanceParam{
		Ip:          ip,
		Port:        uint64(port),
		ServiceName: service,
		GroupName:   c.group,
		Weight:      10,
		Enable:      true,
		Healthy:     true,
		Ephemeral:   true,
		Metadata:    metadata,
	})
	if err != nil {
		return errors.Wrapf(err, "register %s with nacos", service)
	}
	if !ok {
		return errors.Errorf("nacos refused to register %s", service)
	}
	log.Info().Str("service", service).Str("ip", ip).Int("port", port).Msg("✅ Registered with Nacos.")
	return nil
}

func (c *Client) DeregisterServiceInstance(service, ip string, port int) error {
	if _, err := c.naming.DeregisterInstance(vo.DeregisterInstanceParam{
		Ip:          ip,
		Port:        uint64(port),
		ServiceName: service,
		GroupName:   c.group,
		Ephemeral:   true,
	}); err != nil {
		return errors.Wrapf(err, "deregister %s from nacos", service)
	}
	log.Info().Str("service", service).Str("ip", ip).Int("port", port).Msg("Deregistered from Nacos.")
	return nil
}

// DiscoverServiceInstance 用 Nacos 内置的加权随机选一个健康实例
func (c *Client) DiscoverServiceInstance(service string) (Instance, error) {
	inst, err := c.naming.SelectOneHealthyInstance(vo.SelectOneHealthInstanceParam{
		ServiceName: service,
		GroupName:   c.group,
	})
	if err != nil {
		return Instance{}, errors.Wrapf(err, "discover %s", service)
	}
	if inst == nil {
		return Instance{}, errors.Errorf("no healthy instance of %s", service)
	}
	return Instance{IP: inst.Ip, Port: int(inst.Port), Metadata: inst.Metadata}, nil
}

func (c *Client) Close() {
	if c.naming != nil {
		c.naming.CloseClient()
	}
}
