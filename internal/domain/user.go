package domain

// Identity - пользователь, определенный по bearer-токену
type Identity struct {
	UserID      int64  `json:"id"`
	Email       string `json:"email,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	Anonymous   bool   `json:"-"`
}

// UserProfile - данные пользователя из основного API
type UserProfile struct {
	ID        int64  `json:"id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Email     string `json:"email,omitempty"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

func (u *UserProfile) DisplayName() string {
	name := u.FirstName
	if u.LastName != "" {
		if name != "" {
			name += " "
		}
		name += u.LastName
	}
	if name == "" {
		return "Пользователь"
	}
	return name
}

// PropertyInfo - снимок объявления на момент создания чата
type PropertyInfo struct {
	ID       int64  `json:"id"`
	Title    string `json:"title"`
	ImageURL string `json:"image_url,omitempty"`
	OwnerID  int64  `json:"owner_id"`
}
