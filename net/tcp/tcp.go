package tcp

import (
	"fmt"
	"log"
	"net"
	"strconv"

	"github.com/Meander-Cloud/go-transport/tcp"

	"github.com/Meander-Cloud/go-framelock/config"
	m "github.com/Meander-Cloud/go-framelock/message"
	tp "github.com/Meander-Cloud/go-framelock/net/tcp/protocol"
	"github.com/Meander-Cloud/go-framelock/topology"
)

// ListenerStruct is one listening socket the master opens for one client node.
type ListenerStruct struct {
	Node      *topology.NodeDescriptor
	Channel   m.Channel
	Address   string
	protocol  *tp.Listener
	tcpServer *tcp.TcpServer
}

func (s *ListenerStruct) Protocol() *tp.Listener {
	return s.protocol
}

type Matrix struct {
	listenerList []*ListenerStruct
}

// NewMatrix opens, on the master, the sync port and the data port (if any)
// of every client node. newOptions supplies per-listener protocol options.
func NewMatrix(
	c *config.Config,
	registry *topology.Registry,
	newOptions func(*topology.NodeDescriptor, m.Channel) *tp.Options,
) (*Matrix, error) {
	mx := &Matrix{
		listenerList: nil,
	}

	var err error
	defer func() {
		if err != nil {
			mx.Shutdown() // wait
		}
	}()

	for _, node := range registry.Clients() {
		ports := []struct {
			channel m.Channel
			port    int
		}{
			{m.ChannelSync, node.SyncPort},
		}
		if node.HasDataPort() {
			ports = append(ports, struct {
				channel m.Channel
				port    int
			}{m.ChannelData, node.DataPort})
		}

		for _, p := range ports {
			var ls *ListenerStruct
			ls, err = newListener(c, node, p.channel, p.port, newOptions(node, p.channel))
			if err != nil {
				return nil, err
			}
			mx.listenerList = append(mx.listenerList, ls)
		}
	}

	return mx, nil
}

func newListener(
	c *config.Config,
	node *topology.NodeDescriptor,
	channel m.Channel,
	port int,
	options *tp.Options,
) (*ListenerStruct, error) {
	address := net.JoinHostPort(c.BindAddress, strconv.Itoa(port))

	ls := &ListenerStruct{
		Node:      node,
		Channel:   channel,
		Address:   address,
		protocol:  tp.NewListener(options),
		tcpServer: nil,
	}

	var err error
	ls.tcpServer, err = tcp.NewTcpServer(
		&tcp.Options{
			Address:           address,
			KeepAliveInterval: c.KeepAliveInterval(),
			KeepAliveCount:    c.KeepAliveCount(),
			DialTimeout:       c.DialTimeout(),
			ReconnectInterval: c.ReconnectInterval(),
			ReconnectLogEvery: config.TcpReconnectLogEvery,
			Protocol:          ls.protocol,
			LogPrefix:         fmt.Sprintf("%s-node%d-%s", c.LogPrefix, node.Index, channel),
			LogDebug:          c.LogDebug,
		},
	)
	if err != nil {
		err = fmt.Errorf("%s: failed to listen on %s for node%d %s channel, err=%w", c.LogPrefix, address, node.Index, channel, err)
		log.Printf("%s", err.Error())
		ls.protocol.Close()
		return nil, err
	}

	log.Printf("%s: listening on %s for node%d %s channel", c.LogPrefix, address, node.Index, channel)
	return ls, nil
}

func (mx *Matrix) Listeners() []*ListenerStruct {
	return mx.listenerList
}

func (mx *Matrix) Shutdown() {
	for _, ls := range mx.listenerList {
		// closing the protocol first releases ReadLoop goroutines the server waits on
		ls.protocol.Close()

		if ls.tcpServer != nil {
			ls.tcpServer.Shutdown() // wait
		}
	}
}
