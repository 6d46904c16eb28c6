/*
Package phxconn provides the client side implementation of a single
persistent connection to a Phoenix channels server.

First things first: this was almost entirely written using
https://hexdocs.pm/phoenix/writing_a_channels_client.html as a reference
guide. It is an excellent technical write-up of what a channels client has to
do on the wire. If you want deep-dive details of the protocol, read that. I
won't try to replicate it here.

At a high level, a connection goes through the following steps:

	- open: dial a raw TCP (or TLS) socket to the server
	- upgrade: perform the websocket handshake over that socket
	- connected: exchange envelopes and answer the heartbeat clock until
	  either side ends the connection

Every connection ends with exactly one terminal event, ConnectionFailed or
ChannelClosed. Reconnection is deliberately left to the caller: observe the
terminal event and construct a new connection. See the provided examples for
how to use this library.
*/
package phxconn
