package wire

import "fmt"

// Opcode identifies a frame on a hub mesh connection.
type Opcode byte

// Handshake opcodes. The first byte sent on a new physical connection to a
// hub selects how the hub treats it.
const (
	// OpConnect asks to join the hub mesh: {address, name}.
	OpConnect Opcode = 1
	// OpConnectionAccepted answers OpConnect: {address, name}.
	OpConnectionAccepted Opcode = 2
	// OpConnectionRefused answers OpConnect when a link already exists or the
	// caller dialed itself: {address of the refusing hub}.
	OpConnectionRefused Opcode = 3

	// OpPing is a liveness probe: {sender} during a handshake, empty on a link.
	OpPing Opcode = 10
	// OpGossip carries a membership snapshot on a hub link.
	OpGossip Opcode = 11

	// OpClientMessage carries a ClientMessage between hubs.
	OpClientMessage Opcode = 30

	// OpServiceLinkConnect registers a client with a hub: {client}.
	OpServiceLinkConnect Opcode = 40
	// OpServiceLinkAccepted answers OpServiceLinkConnect: {hub}.
	OpServiceLinkAccepted Opcode = 41
	// OpServiceLinkRefused answers OpServiceLinkConnect for duplicates: {}.
	OpServiceLinkRefused Opcode = 42

	// OpGetSpliceInfo asks the hub which endpoint it sees: reply {host, port}.
	OpGetSpliceInfo Opcode = 50

	// OpBounceIP asks the hub which IP it sees: reply {host}.
	OpBounceIP Opcode = 127
)

// Link opcodes, exchanged on established hub and service links.
const (
	// OpMessage carries a ClientMessage between a client and its hub.
	OpMessage Opcode = 70
	// OpDisconnect announces an orderly close of the link.
	OpDisconnect Opcode = 71

	// OpHubs requests the known hub addresses: {id}.
	OpHubs Opcode = 72
	// OpHubDetails requests HubInfo strings: {id}.
	OpHubDetails Opcode = 73
	// OpClientsForHub requests one hub's clients: {id, hub, tag}.
	OpClientsForHub Opcode = 74
	// OpAllClients requests all clients: {id, tag}.
	OpAllClients Opcode = 75
	// OpDirection requests the hubs hosting a client: {id, client}.
	OpDirection Opcode = 76

	// OpRegisterProperty adds service info: {id, tag, info}.
	OpRegisterProperty Opcode = 77
	// OpUpdateProperty replaces service info: {id, tag, info}.
	OpUpdateProperty Opcode = 78
	// OpRemoveProperty removes service info: {id, tag}.
	OpRemoveProperty Opcode = 79

	// OpInfo is the generic reply to a request: {id, []string}.
	OpInfo Opcode = 80

	// OpCreateVirtual requests a virtual circuit (see CreateVirtual).
	OpCreateVirtual Opcode = 81
	// OpCreateVirtualAck answers OpCreateVirtual (see CreateVirtualAck).
	OpCreateVirtualAck Opcode = 82
	// OpCloseVirtual closes a virtual circuit: {index}.
	OpCloseVirtual Opcode = 83
	// OpMessageVirtual carries circuit data: {index, blob}.
	OpMessageVirtual Opcode = 84
	// OpMessageVirtualAck returns credit: {index, bytes}.
	OpMessageVirtualAck Opcode = 85
	// OpWithdrawVirtual cancels an unanswered OpCreateVirtual: {id}. It
	// travels the same way the request did.
	OpWithdrawVirtual Opcode = 86
)

// Reply words used in OpInfo and OpCreateVirtualAck.
const (
	ReplyOK     = "OK"
	ReplyDenied = "DENIED"
)

var opcodeNames = map[Opcode]string{
	OpConnect:             "CONNECT",
	OpConnectionAccepted:  "CONNECTION_ACCEPTED",
	OpConnectionRefused:   "CONNECTION_REFUSED",
	OpPing:                "PING",
	OpGossip:              "GOSSIP",
	OpClientMessage:       "CLIENT_MESSAGE",
	OpServiceLinkConnect:  "SERVICELINK_CONNECT",
	OpServiceLinkAccepted: "SERVICELINK_ACCEPTED",
	OpServiceLinkRefused:  "SERVICELINK_REFUSED",
	OpGetSpliceInfo:       "GET_SPLICE_INFO",
	OpBounceIP:            "BOUNCE_IP",
	OpMessage:             "MESSAGE",
	OpDisconnect:          "DISCONNECT",
	OpHubs:                "HUBS",
	OpHubDetails:          "HUB_DETAILS",
	OpClientsForHub:       "CLIENTS_FOR_HUB",
	OpAllClients:          "ALL_CLIENTS",
	OpDirection:           "DIRECTION",
	OpRegisterProperty:    "REGISTER_PROPERTY",
	OpUpdateProperty:      "UPDATE_PROPERTY",
	OpRemoveProperty:      "REMOVE_PROPERTY",
	OpInfo:                "INFO",
	OpCreateVirtual:       "CREATE_VIRTUAL",
	OpCreateVirtualAck:    "CREATE_VIRTUAL_ACK",
	OpCloseVirtual:        "CLOSE_VIRTUAL",
	OpMessageVirtual:      "MESSAGE_VIRTUAL",
	OpMessageVirtualAck:   "MESSAGE_VIRTUAL_ACK",
	OpWithdrawVirtual:     "WITHDRAW_VIRTUAL",
}

// String returns the protocol name of the opcode.
func (op Opcode) String() string {
	if name, ok := opcodeNames[op]; ok {
		return name
	}
	return fmt.Sprintf("Opcode(%d)", byte(op))
}
