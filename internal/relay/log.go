package relay

import logging "github.com/ipfs/go-log/v2"

var (
	log           = logging.Logger("relay")
	transferLog   = logging.Logger("relay/transfer")
	supervisorLog = logging.Logger("relay/supervisor")
)
