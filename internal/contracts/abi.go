// Package contracts holds the ABI definitions for the three ledger services
// the orchestrator drives. The JSON is trimmed to the call surface the client
// actually uses.
package contracts

// InvoiceRegistryABI covers mint, ownership reads and marketplace approval on
// the invoice NFT registry. The Transfer event is part of the mint contract:
// its third indexed argument is the freshly assigned token id.
const InvoiceRegistryABI = `[
  {"type":"function","name":"safeMint","stateMutability":"nonpayable","inputs":[{"name":"to","type":"address"},{"name":"uri","type":"string"}],"outputs":[]},
  {"type":"function","name":"ownerOf","stateMutability":"view","inputs":[{"name":"tokenId","type":"uint256"}],"outputs":[{"name":"","type":"address"}]},
  {"type":"function","name":"tokenURI","stateMutability":"view","inputs":[{"name":"tokenId","type":"uint256"}],"outputs":[{"name":"","type":"string"}]},
  {"type":"function","name":"approve","stateMutability":"nonpayable","inputs":[{"name":"to","type":"address"},{"name":"tokenId","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"getApproved","stateMutability":"view","inputs":[{"name":"tokenId","type":"uint256"}],"outputs":[{"name":"","type":"address"}]},
  {"type":"event","name":"Transfer","inputs":[{"name":"from","type":"address","indexed":true},{"name":"to","type":"address","indexed":true},{"name":"tokenId","type":"uint256","indexed":true}],"anonymous":false}
]`

// MarketplaceABI covers listing lifecycle and purchase.
const MarketplaceABI = `[
  {"type":"function","name":"listNFT","stateMutability":"nonpayable","inputs":[{"name":"tokenId","type":"uint256"},{"name":"price","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"getListing","stateMutability":"view","inputs":[{"name":"tokenId","type":"uint256"}],"outputs":[{"name":"seller","type":"address"},{"name":"price","type":"uint256"},{"name":"isActive","type":"bool"}]},
  {"type":"function","name":"buyNFT","stateMutability":"payable","inputs":[{"name":"tokenId","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"unlistNFT","stateMutability":"nonpayable","inputs":[{"name":"tokenId","type":"uint256"}],"outputs":[]}
]`

// CreditHandlerABI covers credit issuance and settlement. The CreditOpened
// event's first indexed argument is the assigned credit id.
const CreditHandlerABI = `[
  {"type":"function","name":"openCredit","stateMutability":"nonpayable","inputs":[{"name":"lendee","type":"address"},{"name":"amount","type":"uint256"},{"name":"dueBy","type":"uint256"},{"name":"tokenId","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"getCredit","stateMutability":"view","inputs":[{"name":"creditId","type":"uint256"}],"outputs":[{"name":"lender","type":"address"},{"name":"lendee","type":"address"},{"name":"amount","type":"uint256"},{"name":"dueBy","type":"uint256"},{"name":"tokenId","type":"uint256"},{"name":"isPaid","type":"bool"}]},
  {"type":"function","name":"payCredit","stateMutability":"payable","inputs":[{"name":"creditId","type":"uint256"}],"outputs":[]},
  {"type":"event","name":"CreditOpened","inputs":[{"name":"creditId","type":"uint256","indexed":true},{"name":"lender","type":"address","indexed":true},{"name":"lendee","type":"address","indexed":true}],"anonymous":false}
]`
