package service

import (
	"estate_chat/internal/config"
	"estate_chat/internal/domain"
	"estate_chat/internal/repository"
	"estate_chat/internal/storage"
	"estate_chat/pkg/logger"
)

type Services struct {
	Identity  IdentityService
	Directory DirectoryService
	Chat      ChatService
	Message   MessageService
	Read      ReadService
	Upload    UploadService
	RateLimit RateLimitService
	Audit     AuditService
	Reconcile ReconcileService
}

func NewServices(repos *repository.Repositories, files storage.FileStorage, broadcaster Broadcaster, cfg *config.Config, log logger.Logger) *Services {
	if broadcaster == nil {
		broadcaster = NopBroadcaster()
	}
	clock := NewMonotonicClock()

	rateLimit := NewRateLimitService(repos.RateLimit, domain.RateLimitRule{
		Scope:  domain.RateLimitScopeMessage,
		Limit:  cfg.Chat.SendRateLimit,
		Window: cfg.Chat.SendRateWindow,
	}, log)
	audit := NewAuditService(repos.Audit, log)
	directory := NewDirectoryService(cfg.Directory.URL, cfg.Directory.MediaURL, cfg.Directory.Timeout, log)
	messages := NewMessageService(repos.ChatCache, repos.Messages, files, rateLimit, broadcaster, clock, MessageServiceOptions{
		DefaultHistoryLimit: cfg.Chat.DefaultHistoryLimit,
		MaxHistoryLimit:     cfg.Chat.MaxHistoryLimit,
	}, log)

	services := &Services{
		Identity:  NewIdentityService(cfg.Identity, repos.TokenCache, log),
		Directory: directory,
		Chat:      NewChatService(repos.Chat, repos.ChatCache, directory, audit, broadcaster, clock, log),
		Message:   messages,
		Read:      NewReadService(repos.ChatCache, repos.Messages, broadcaster, clock, log),
		Upload: NewUploadService(repos.ChatCache, files, messages, UploadOptions{
			MaxFileSize:  cfg.Upload.MaxFileSize,
			MaxFiles:     cfg.Upload.MaxFiles,
			AllowedTypes: cfg.Upload.AllowedTypes,
		}, log),
		RateLimit: rateLimit,
		Audit:     audit,
		Reconcile: NewReconcileService(repos.ChatCache, repos.Chat, audit, cfg.Sync.ReconcileWindow, log),
	}

	log.Info("Services initialized", "local_jwt", cfg.Identity.JWTSecret != "")

	return services
}
