package signal

import (
	"fmt"

	"github.com/coreos/go-systemd/daemon"
)

// NotifyReady tells systemd that the node finished starting. Running outside
// systemd, or under a service type other than notify, is not an error.
func NotifyReady() error {
	notified, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		// A unit waiting on readiness would hang if this were ignored.
		err := fmt.Errorf("failed to notify systemd %w (if you aren't "+
			"running systemd clear the environment variable "+
			"NOTIFY_SOCKET)", err)
		log.Error(err)

		return err
	}

	if notified {
		log.Info("Systemd was notified about our readiness")
	} else {
		log.Debug("Not running within systemd or the service type " +
			"is not 'notify'")
	}

	return nil
}

// NotifyStopping tells systemd that the node is shutting down. Errors are
// only logged.
func NotifyStopping() {
	notified, err := daemon.SdNotify(false, daemon.SdNotifyStopping)
	if err != nil {
		log.Errorf("Failed to notify systemd: %v", err)
	}
	if notified {
		log.Info("Systemd was notified about stopping")
	}
}
