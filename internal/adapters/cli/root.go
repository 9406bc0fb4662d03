package cli

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"tg-reaction-ranker/internal/domain"
	"tg-reaction-ranker/internal/usecase/analysis"
)

// Version задаётся при сборке через -ldflags.
var Version = "dev"

// CachedChannels перечисляет каналы, для которых есть сырой кэш.
type CachedChannels interface {
	Channels() ([]int64, error)
}

// App — зависимости команд CLI. Runner вызывается лениво, чтобы команды без
// Telegram (cache, session) работали без файла сессии.
type App struct {
	Runner      func() (domain.SourceRunner, error)
	Analysis    *analysis.Service
	Cache       CachedChannels
	SessionPath string

	DefaultChannel string
	DefaultFrom    string
	DefaultTo      string
	TopN           int

	Log zerolog.Logger
}

// NewRootCommand собирает дерево команд.
func NewRootCommand(app *App) *cobra.Command {
	root := &cobra.Command{
		Use:   "reactions",
		Short: "Рейтинг постов Telegram-канала по реакциям",
		Long: `Выгружает историю канала через MTProto, кэширует её на диске
и строит рейтинг сообщений по выбранным эмодзи-реакциям.

Команды:
  channels           Каналы аккаунта
  analyze [канал]    Рейтинг канала
  cache clear <id>   Очистка кэша канала
  session import     Импорт файла сессии`,
		SilenceUsage: true,
	}
	root.AddCommand(
		newChannelsCommand(app),
		newAnalyzeCommand(app),
		newCacheCommand(app),
		newSessionCommand(app),
		&cobra.Command{
			Use:   "version",
			Short: "Версия",
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "reactions %s\n", Version)
			},
		},
	)
	return root
}

func (a *App) runner() (domain.SourceRunner, error) {
	if a.Runner == nil {
		return nil, errors.New("подключение к Telegram не настроено")
	}
	return a.Runner()
}
