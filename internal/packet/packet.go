// Package packet defines the real-time wire protocol exchanged with game clients.
package packet

import (
	"encoding/json"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/playperu/territory/internal/balance"
	"github.com/playperu/territory/internal/geo"
)

type Type string

// Client -> server.
const (
	LocationUpdate     Type = "LOCATION_UPDATE"
	PlayerStrengthBuy  Type = "PLAYER_STRENGTH_BUY"
	ShopBuy            Type = "SHOP_BUY"
	ShopSell           Type = "SHOP_SELL"
	FactoryBuild       Type = "FACTORY_BUILD"
	FactoryUpgrade     Type = "FACTORY_UPGRADE"
	FactoryDefenceBuy  Type = "FACTORY_DEFENCE_BUY"
	FactoryPutIn       Type = "FACTORY_PUT_IN"
	FactoryTakeOut     Type = "FACTORY_TAKE_OUT"
	FactoryDestroy     Type = "FACTORY_DESTROY"
	FactoryDataRequest Type = "FACTORY_DATA_REQUEST"
	GameDataRequest    Type = "GAME_DATA_REQUEST"
)

// Server -> client.
const (
	FactoryDataType     Type = "FACTORY_DATA"
	GameDataType        Type = "GAME_DATA"
	GameLocationsUpdate Type = "GAME_LOCATIONS_UPDATE"
	MessageResponseType Type = "MESSAGE_RESPONSE"
	ShopNoticeType      Type = "SHOP_NOTICE"
)

// Envelope wraps every outgoing packet.
type Envelope struct {
	Type Type `json:"type"`
	Data any  `json:"data,omitempty"`
}

// Inbound is a decoded client packet; Data is decoded per Type.
type Inbound struct {
	Type Type            `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// GameRef is embedded by every inbound payload.
type GameRef struct {
	Game string `json:"game"`
}

type LocationUpdatePayload struct {
	GameRef
	Location *geo.Coordinate `json:"location"`
}

type StrengthBuyPayload struct {
	GameRef
	Index    int `json:"index"`
	Cost     int `json:"cost"`
	Strength int `json:"strength"`
}

type ShopTradePayload struct {
	GameRef
	Token  string `json:"token"`
	Amount int    `json:"amount"`
}

type FactoryBuildPayload struct {
	GameRef
	Name string `json:"name"`
}

// FactoryPayload addresses one factory; Amount is used by transfers and Index,
// Cost, Defence by defence purchases.
type FactoryPayload struct {
	GameRef
	Factory string `json:"factory"`
	Amount  int    `json:"amount,omitempty"`
	Index   int    `json:"index,omitempty"`
	Cost    int    `json:"cost,omitempty"`
	Defence int    `json:"defence,omitempty"`
}

// FactoryData is the per-viewer factory snapshot. A visible factory always
// carries every field so clients can replace their copy wholesale; a factory
// the viewer cannot see, or one that was destroyed, carries only the flags.
type FactoryData struct {
	Visible         bool              `json:"visible"`
	Destroyed       bool              `json:"destroyed,omitempty"`
	Name            string            `json:"name"`
	Level           int               `json:"level"`
	Defence         int               `json:"defence"`
	In              int               `json:"in"`
	Out             int               `json:"out"`
	ProductionIn    int               `json:"productionIn"`
	ProductionOut   int               `json:"productionOut"`
	DefenceUpgrades []balance.Upgrade `json:"defenceUpgrades"`
	NextLevelCost   int               `json:"nextLevelCost"`
	CreatorName     string            `json:"creatorName"`
	TeamName        string            `json:"teamName"`
	Ally            bool              `json:"ally"`
	InRange         bool              `json:"inRange"`
	CanModify       bool              `json:"canModify"`
}

type factoryFields FactoryData

type factoryFlags struct {
	Visible   bool `json:"visible"`
	Destroyed bool `json:"destroyed,omitempty"`
}

func (d FactoryData) wire() any {
	if !d.Visible || d.Destroyed {
		return factoryFlags{Visible: false, Destroyed: d.Destroyed}
	}
	if d.DefenceUpgrades == nil {
		d.DefenceUpgrades = []balance.Upgrade{}
	}
	return factoryFields(d)
}

func (d FactoryData) MarshalJSON() ([]byte, error) { return json.Marshal(d.wire()) }

func (d FactoryData) EncodeMsgpack(enc *msgpack.Encoder) error { return enc.Encode(d.wire()) }

type FactoryDataPayload struct {
	Factory string      `json:"factory"`
	Game    string      `json:"game"`
	Data    FactoryData `json:"data"`
}

type ShopInfo struct {
	Dealer      string    `json:"dealer"`
	DealerName  string    `json:"dealerName"`
	Token       string    `json:"token,omitempty"`
	InSellPrice int       `json:"inSellPrice"`
	OutBuyPrice int       `json:"outBuyPrice"`
	Range       float64   `json:"range"`
	InRange     bool      `json:"inRange"`
	Own         bool      `json:"own"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

type FactorySummary struct {
	Factory   string `json:"factory"`
	Name      string `json:"name"`
	Ally      bool   `json:"ally"`
	InRange   bool   `json:"inRange"`
	CanModify bool   `json:"canModify"`
}

// GameData is the per-user dashboard.
type GameData struct {
	Team             string            `json:"team,omitempty"`
	TeamName         string            `json:"teamName,omitempty"`
	Player           bool              `json:"player"`
	Special          bool              `json:"special"`
	Spectator        bool              `json:"spectator"`
	Balance          int               `json:"balance"`
	Strength         int               `json:"strength"`
	In               int               `json:"in"`
	Out              int               `json:"out"`
	StrengthUpgrades []balance.Upgrade `json:"strengthUpgrades"`
	FactoryCost      int               `json:"factoryCost"`
	Shops            []ShopInfo        `json:"shops"`
	Factories        []FactorySummary  `json:"factories"`
}

type GameDataPayload struct {
	Game string   `json:"game"`
	Data GameData `json:"data"`
}

type UserLocation struct {
	User     string         `json:"user"`
	UserName string         `json:"userName"`
	Location geo.Coordinate `json:"location"`
	IsShop   bool           `json:"isShop"`
}

type FactoryLocation struct {
	Factory  string         `json:"factory"`
	Ally     bool           `json:"ally"`
	InRange  bool           `json:"inRange"`
	Name     string         `json:"name"`
	Location geo.Coordinate `json:"location"`
	Range    float64        `json:"range"`
}

type LocationsUpdatePayload struct {
	Game      string            `json:"game"`
	Users     []UserLocation    `json:"users"`
	Factories []FactoryLocation `json:"factories"`
}

type MessageResponse struct {
	Error   bool   `json:"error"`
	Message string `json:"message"`
	Dialog  bool   `json:"dialog,omitempty"`
	Toast   bool   `json:"toast,omitempty"`
}

type ShopNoticeKind string

const (
	ShopExpired   ShopNoticeKind = "expired"
	ShopHandOff   ShopNoticeKind = "hand_off"
	ShopIncoming  ShopNoticeKind = "incoming"
	ShopLapsing   ShopNoticeKind = "lapsing"
	ShopPromotion ShopNoticeKind = "promoted"
)

type ShopNotice struct {
	Game      string         `json:"game"`
	Kind      ShopNoticeKind `json:"kind"`
	Successor string         `json:"successor,omitempty"`
	At        time.Time      `json:"at"`
}

func NewFactoryData(gameID, factoryID string, data FactoryData) Envelope {
	return Envelope{Type: FactoryDataType, Data: FactoryDataPayload{Factory: factoryID, Game: gameID, Data: data}}
}

func NewGameData(gameID string, data GameData) Envelope {
	return Envelope{Type: GameDataType, Data: GameDataPayload{Game: gameID, Data: data}}
}

func NewLocations(p LocationsUpdatePayload) Envelope {
	return Envelope{Type: GameLocationsUpdate, Data: p}
}

func NewShopNotice(n ShopNotice) Envelope {
	return Envelope{Type: ShopNoticeType, Data: n}
}

// Toast builds a short user-facing notification.
func Toast(isErr bool, msg string) Envelope {
	return Envelope{Type: MessageResponseType, Data: MessageResponse{Error: isErr, Message: msg, Toast: true}}
}

// Dialog builds a notification the client shows modally.
func Dialog(isErr bool, msg string) Envelope {
	return Envelope{Type: MessageResponseType, Data: MessageResponse{Error: isErr, Message: msg, Dialog: true}}
}
