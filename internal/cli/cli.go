package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/vmarkovic/upflow/internal/agent"
	"github.com/vmarkovic/upflow/internal/config"
	internal_http "github.com/vmarkovic/upflow/internal/http"
	"github.com/vmarkovic/upflow/internal/log"
	"github.com/vmarkovic/upflow/internal/provider"
	internal_storage "github.com/vmarkovic/upflow/internal/storage"
	"github.com/vmarkovic/upflow/pkg/accounts"
	"github.com/vmarkovic/upflow/pkg/models"
	"github.com/vmarkovic/upflow/pkg/queue"
	"github.com/vmarkovic/upflow/pkg/scheduler"
	"github.com/vmarkovic/upflow/pkg/sessions"
	"github.com/vmarkovic/upflow/pkg/storage"
)

func SetupCLI(rootCmd *cobra.Command) {
	rootCmd.PersistentFlags().String("config", "", "Path to YAML config file")
	rootCmd.PersistentFlags().String("db", "", "Database connection string (overrides config)")

	workerCmd := &cobra.Command{
		Use:   "worker",
		Short: "Run the upload scheduler and worker pool",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfig(cmd)
			store := initStore(cfg.DB)
			defer store.Close()
			runWorker(cfg, store)
		},
	}

	enqueueCmd := &cobra.Command{
		Use:   "enqueue [payload-ref]",
		Short: "Create a new upload task",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfig(cmd)
			store := initStore(cfg.DB)
			defer store.Close()
			priority, _ := cmd.Flags().GetInt("priority")
			maxAttempts, _ := cmd.Flags().GetInt("max-attempts")
			at, _ := cmd.Flags().GetString("at")
			enqueueTask(store, cfg, args[0], priority, maxAttempts, at)
		},
	}
	enqueueCmd.Flags().Int("priority", 100, "Task priority (lower runs first)")
	enqueueCmd.Flags().Int("max-attempts", 0, "Retry budget (0 = default)")
	enqueueCmd.Flags().String("at", "", "Run no earlier than this RFC3339 time")

	listTasksCmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks and their status",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfig(cmd)
			store := initStore(cfg.DB)
			defer store.Close()
			listTasks(store)
		},
	}

	cancelCmd := &cobra.Command{
		Use:   "cancel [id]",
		Short: "Cancel a pending or queued task",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfig(cmd)
			store := initStore(cfg.DB)
			defer store.Close()
			cancelTask(store, args[0])
		},
	}

	tasksCmd := &cobra.Command{Use: "tasks", Short: "Manage upload tasks"}
	tasksCmd.AddCommand(enqueueCmd, listTasksCmd, cancelCmd)

	addAccountCmd := &cobra.Command{
		Use:   "add [credentials-ref]",
		Short: "Register a new account",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfig(cmd)
			store := initStore(cfg.DB)
			defer store.Close()
			limit, _ := cmd.Flags().GetInt("daily-limit")
			addAccount(store, args[0], limit)
		},
	}
	addAccountCmd.Flags().Int("daily-limit", 10, "Daily upload cap for the account")

	listAccountsCmd := &cobra.Command{
		Use:   "list",
		Short: "List accounts with health and quota",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfig(cmd)
			store := initStore(cfg.DB)
			defer store.Close()
			listAccounts(store)
		},
	}

	resetQuotaCmd := &cobra.Command{
		Use:   "reset-quota",
		Short: "Reset all daily upload counters now",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfig(cmd)
			store := initStore(cfg.DB)
			defer store.Close()
			resetQuota(store)
		},
	}

	accountsCmd := &cobra.Command{Use: "accounts", Short: "Manage upload accounts"}
	accountsCmd.AddCommand(addAccountCmd, listAccountsCmd, resetQuotaCmd)

	rootCmd.AddCommand(workerCmd, tasksCmd, accountsCmd)
}

func runWorker(cfg config.Config, store storage.Store) {
	logger := log.GetLogger()
	accountPool := accounts.NewPool(store, cfg.Accounts, accounts.HealthFirst{}, logger)
	sessionPool := sessions.NewPool(
		provider.NewHTTPProvider(cfg.BrowserAPI),
		agent.NewClient(cfg.AgentAPI),
		cfg.Sessions,
		logger,
	)
	taskQueue := queue.NewMemoryQueue()
	sched := scheduler.New(store, taskQueue, accountPool, sessionPool, agent.NewClient(cfg.AgentAPI), cfg.Scheduler, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := sched.Start(ctx); err != nil {
		logger.Errorf("Failed to start scheduler: %v", err)
		os.Exit(1)
	}

	go func() {
		if err := internal_http.StartServer(cfg.HTTPPort, store, sched); err != nil {
			logger.Errorf("HTTP server stopped: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Infof("Shutting down")
	taskQueue.Close()
	sched.Stop()
}

func enqueueTask(store storage.Store, cfg config.Config, payloadRef string, priority, maxAttempts int, at string) {
	if maxAttempts <= 0 {
		maxAttempts = cfg.Scheduler.DefaultMaxAttempts
	}
	task := models.Task{
		ID:          uuid.NewString(),
		PayloadRef:  payloadRef,
		Priority:    priority,
		Status:      models.PendingTaskStatus,
		MaxAttempts: maxAttempts,
		CreatedAt:   time.Now(),
	}
	if at != "" {
		t, err := time.Parse(time.RFC3339, at)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: invalid --at time: %v\n", err)
			os.Exit(1)
		}
		task.ScheduledAt = &t
	}
	task, err := store.SaveTask(task)
	if err != nil {
		log.GetLogger().Errorf("Failed to save task: %v", err)
		fmt.Fprintf(os.Stderr, "Error: failed to save task: %v\n", err)
		os.Exit(1)
	}
	fmt.Fprintf(os.Stdout, "Created task %s (priority %d)\n", task.ID, task.Priority)
}

func listTasks(store storage.Store) {
	tasks, err := store.ListTasks()
	if err != nil {
		log.GetLogger().Errorf("Failed to list tasks: %v", err)
		fmt.Fprintf(os.Stderr, "Error: failed to list tasks: %v\n", err)
		os.Exit(1)
	}
	if len(tasks) == 0 {
		fmt.Fprintf(os.Stdout, "No tasks found.\n")
		return
	}
	for _, t := range tasks {
		account := "-"
		if t.AccountID != nil {
			account = *t.AccountID
		}
		fmt.Fprintf(os.Stdout, "- ID: %s, Status: %s, Priority: %d, Attempts: %d/%d, Account: %s\n",
			t.ID, t.Status, t.Priority, t.Attempts, t.MaxAttempts, account)
	}
}

func cancelTask(store storage.Store, id string) {
	if _, err := store.CancelTask(id); err != nil {
		log.GetLogger().Errorf("Failed to cancel task %s: %v", id, err)
		fmt.Fprintf(os.Stderr, "Error: failed to cancel task: %v\n", err)
		os.Exit(1)
	}
	fmt.Fprintf(os.Stdout, "Cancelled task %s\n", id)
}

func addAccount(store storage.Store, credentialsRef string, dailyLimit int) {
	account := models.Account{
		ID:               uuid.NewString(),
		CredentialsRef:   credentialsRef,
		Status:           models.ActiveAccountStatus,
		HealthScore:      100,
		DailyUploadLimit: dailyLimit,
	}
	if err := store.SaveAccount(account); err != nil {
		log.GetLogger().Errorf("Failed to save account: %v", err)
		fmt.Fprintf(os.Stderr, "Error: failed to save account: %v\n", err)
		os.Exit(1)
	}
	fmt.Fprintf(os.Stdout, "Created account %s (daily limit %d)\n", account.ID, dailyLimit)
}

func listAccounts(store storage.Store) {
	all, err := store.ListAccounts()
	if err != nil {
		log.GetLogger().Errorf("Failed to list accounts: %v", err)
		fmt.Fprintf(os.Stderr, "Error: failed to list accounts: %v\n", err)
		os.Exit(1)
	}
	if len(all) == 0 {
		fmt.Fprintf(os.Stdout, "No accounts found.\n")
		return
	}
	for _, a := range all {
		fmt.Fprintf(os.Stdout, "- ID: %s, Status: %s, Health: %d, Quota: %d/%d, NeedsReauth: %v\n",
			a.ID, a.Status, a.HealthScore, a.DailyUploadCount, a.DailyUploadLimit, a.NeedsReauth)
	}
}

func resetQuota(store storage.Store) {
	n, err := store.ResetDailyCounts()
	if err != nil {
		log.GetLogger().Errorf("Failed to reset quotas: %v", err)
		fmt.Fprintf(os.Stderr, "Error: failed to reset quotas: %v\n", err)
		os.Exit(1)
	}
	fmt.Fprintf(os.Stdout, "Reset daily quota for %d accounts\n", n)
}

func loadConfig(cmd *cobra.Command) config.Config {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		log.GetLogger().Errorf("Error retrieving config flag: %v", err)
		os.Exit(1)
	}
	cfg, err := config.Load(path)
	if err != nil {
		log.GetLogger().Errorf("Failed to load config: %v", err)
		os.Exit(1)
	}
	if db, _ := cmd.Flags().GetString("db"); db != "" {
		cfg.DB = db
	}
	return cfg
}

func initStore(dbConnStr string) *internal_storage.PostgresStore {
	store, err := internal_storage.NewPostgresStore(dbConnStr)
	if err != nil {
		log.GetLogger().Errorf("Failed to initialize store: %v", err)
		os.Exit(1)
	}
	return store
}
