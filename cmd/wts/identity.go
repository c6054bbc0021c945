package main

import (
	"context"

	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"

	"wts/internal/api"
	"wts/internal/auth"
	"wts/internal/config"
	"wts/internal/observability"
	"wts/internal/provider"
)

// defaultPluginUser is the identity of every caller under the "default"
// plugin.
const defaultPluginUser = "test"

// newAuthenticator builds the ambient resolver chain from AUTH_PLUGINS and
// the bearer-token verifier for the primary provider.
func newAuthenticator(ctx context.Context, cfg *config.Config, proxies *api.TrustedProxyConfig, logger observability.Logger) *auth.Authenticator {
	var chain auth.ChainResolver
	for _, plugin := range cfg.AuthPlugins {
		switch plugin {
		case config.PluginK8s:
			restCfg, err := rest.InClusterConfig()
			if err != nil {
				logger.Warn("k8s auth plugin disabled: not running in a cluster", "error", err)
				continue
			}
			client, err := kubernetes.NewForConfig(restCfg)
			if err != nil {
				logger.Error("k8s auth plugin disabled: cannot build client", "error", err)
				continue
			}
			pods := auth.NewPodAnnotationResolver(client)
			pods.RemoteIP = proxies.ClientIP
			chain = append(chain, pods)
			logger.Info("auth plugin enabled", "plugin", plugin)
		case config.PluginDefault:
			chain = append(chain, auth.NewStaticResolver(defaultPluginUser))
			logger.Warn("auth plugin enabled; every caller is the same user", "plugin", plugin, "username", defaultPluginUser)
		}
	}

	a := &auth.Authenticator{}
	if len(chain) > 0 {
		a.Ambient = chain
	}
	if cfg.BearerIssuer != "" {
		bearer, err := auth.NewBearerTokenResolver(ctx, auth.BearerConfig{
			Issuer:     cfg.BearerIssuer,
			JWKSURL:    cfg.BearerJWKSURL,
			Audience:   cfg.BearerAudience,
			HTTPClient: provider.NewHTTPClient(cfg.AppVersion, provider.DefaultTimeout, nil),
		})
		if err != nil {
			logger.Error("bearer token authentication disabled", "error", err)
		} else {
			a.Bearer = bearer
			logger.Info("bearer token authentication enabled", "issuer", cfg.BearerIssuer)
		}
	}
	return a
}
