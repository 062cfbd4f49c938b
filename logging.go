package broker

import "github.com/sirupsen/logrus"

// brokerLog is the package-level logger threaded through Server, Connection,
// and SessionRegistry, replacing the teacher's bare log.Printf calls with
// structured fields (client_id, remote_addr, packet).
var brokerLog = logrus.StandardLogger()

func init() {
	brokerLog.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
}
