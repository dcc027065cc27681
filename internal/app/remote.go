package app

import (
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/possync/internal/domain"
	"github.com/vladislavdragonenkov/possync/internal/remote/mock"
	"github.com/vladislavdragonenkov/possync/internal/remote/rest"
)

// OpenRemote создаёт клиент удалённого хранилища заказов по cfg.RemoteDriver.
func OpenRemote(cfg Config, logger *log.Entry) (domain.RemoteOrderAPI, error) {
	if logger == nil {
		logger = log.WithField("component", "app")
	}

	switch cfg.RemoteDriver {
	case RemoteDriverREST:
		client, err := rest.New(rest.Config{
			BaseURL:        cfg.RemoteBaseURL,
			ConsumerKey:    cfg.RemoteConsumerKey,
			ConsumerSecret: cfg.RemoteConsumerSecret,
			Timeout:        cfg.RemoteTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("create rest client: %w", err)
		}
		logger.WithField("base_url", cfg.RemoteBaseURL).Info("remote order api configured")
		return client, nil
	case RemoteDriverMock:
		logger.Warn("using in-process mock remote store")
		return mock.NewServer(), nil
	default:
		return nil, fmt.Errorf("unsupported remote driver %q", cfg.RemoteDriver)
	}
}
