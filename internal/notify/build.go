package notify

import (
	log "github.com/sirupsen/logrus"

	"iot-control/pkg/config"
)

// FromConfig builds the fan-out for the enabled channels. publisher and store
// may be nil, in which case their channels are skipped.
func FromConfig(cfg config.NotificationsConfig, publisher Publisher, store AlertStore) *Fanout {
	var channels []Channel

	if cfg.LogFile.Enabled {
		channels = append(channels, NewLogFileChannel(LogFileOptions{
			Path:       cfg.LogFile.Path,
			MaxSizeMB:  cfg.LogFile.MaxSizeMB,
			MaxBackups: cfg.LogFile.MaxBackups,
			MaxAgeDays: cfg.LogFile.MaxAgeDays,
		}))
	}
	if cfg.Telegram.Enabled {
		channels = append(channels, NewTelegramChannel(TelegramOptions{
			APIURL:  cfg.Telegram.APIURL,
			Token:   cfg.Telegram.BotToken,
			ChatIDs: cfg.Telegram.ChatIDs,
			Timeout: cfg.Telegram.Timeout,
		}))
	}
	if cfg.Email.Enabled {
		channels = append(channels, NewEmailChannel(EmailOptions{
			Server:     cfg.Email.SMTPServer,
			Port:       cfg.Email.SMTPPort,
			UseTLS:     cfg.Email.UseTLS,
			Username:   cfg.Email.Username,
			Password:   cfg.Email.Password,
			Sender:     cfg.Email.Sender,
			Recipients: cfg.Email.Recipients,
		}))
	}
	if cfg.Transport.Enabled && publisher != nil {
		channels = append(channels, NewPublishChannel(publisher, cfg.Transport.Topic))
	}
	if cfg.ClickHouse.Enabled && store != nil {
		channels = append(channels, NewStoreChannel(store))
	}

	fanout := NewFanout(channels...)
	log.Infof("Notify: Enabled channels: %v", fanout.Channels())
	return fanout
}

// Close closes channels that hold files
func (f *Fanout) Close() error {
	for _, c := range f.channels {
		if lf, ok := c.(*LogFileChannel); ok {
			if err := lf.Close(); err != nil {
				return err
			}
		}
	}
	return nil
}
