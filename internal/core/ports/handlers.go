package ports

import (
	"context"

	"voxrelay/internal/core/domain"

	"github.com/gin-gonic/gin"
)

type RelayHTTPHandler interface {
	GetICEServers(c *gin.Context)
	GetChannelStats(c *gin.Context)
	RequestShare(c *gin.Context)
	StopShare(c *gin.Context)
	RotateKey(c *gin.Context)
}

// DatagramHandler is implemented by the UDP transport and receives raw
// datagrams from the network loop.
type DatagramHandler interface {
	HandleDatagram(ctx context.Context, from string, datagram []byte) error
	HandleDisconnect(ctx context.Context, session domain.SessionID) error
}
