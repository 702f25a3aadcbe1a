package kernel

type UserID string

func NewUserID(id string) UserID { return UserID(id) }
func (u UserID) String() string  { return string(u) }
func (u UserID) IsEmpty() bool   { return string(u) == "" }

// OrganizationID identifies a tenant. Every permission is scoped to one.
type OrganizationID string

func NewOrganizationID(id string) OrganizationID { return OrganizationID(id) }
func (o OrganizationID) String() string          { return string(o) }
func (o OrganizationID) IsEmpty() bool           { return string(o) == "" }

type RoleID string

func (r RoleID) String() string { return string(r) }
func (r RoleID) IsEmpty() bool  { return string(r) == "" }

// SessionID is the public identifier of an issued token (the part before the dot).
type SessionID string

func (s SessionID) String() string { return string(s) }
func (s SessionID) IsEmpty() bool  { return string(s) == "" }
