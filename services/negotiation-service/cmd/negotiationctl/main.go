package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/md-rashed-zaman/apptnegotiation/libs/config"
	"github.com/md-rashed-zaman/apptnegotiation/libs/db"
	"github.com/md-rashed-zaman/apptnegotiation/libs/kafkax"
	"github.com/md-rashed-zaman/apptnegotiation/services/negotiation-service/internal/consumer"
	"github.com/md-rashed-zaman/apptnegotiation/services/negotiation-service/migrations"
	"github.com/segmentio/kafka-go"
	"github.com/spf13/cobra"
)

// publishTopics maps each publish subcommand to the replication topic it
// writes.
var publishTopics = map[string]string{
	"clinic":  consumer.TopicClinicUpserted,
	"doctor":  consumer.TopicDoctorUpserted,
	"patient": consumer.TopicPatientUpserted,
}

func main() {
	config.LoadDotEnv()

	rootCmd := &cobra.Command{
		Use:   "negotiationctl",
		Short: "Operator tooling for negotiation-service",
	}
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(publishCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func openPool(ctx context.Context) (*db.Pool, error) {
	dbURL, err := config.RequiredString("DATABASE_URL")
	if err != nil {
		return nil, err
	}
	return db.Open(ctx, dbURL, db.Options{MaxConns: 2})
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			pool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			count, err := db.NewMigrator(pool, migrations.Files).Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Printf("Applied %d migration(s).\n", count)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			pool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, migrations.Files).Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			fmt.Printf("%-8s %-32s %-8s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			for _, s := range statuses {
				status, appliedAt := "pending", ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-8d %-32s %-8s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	})
	return cmd
}

// publishCmd emits the upstream replication events by hand, for local
// environments without the directory and patient services.
func publishCmd() *cobra.Command {
	var brokers string
	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish directory and patient replication events",
	}
	cmd.PersistentFlags().StringVar(&brokers, "brokers", config.String("KAFKA_BROKERS", "localhost:9092"), "comma separated kafka brokers")

	var clinicName string
	var inactive bool
	clinicCmd := &cobra.Command{
		Use:   "clinic [clinic-id]",
		Short: "Publish a clinic upsert",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := idArg(args)
			return publish(cmd.Context(), brokers, publishTopics["clinic"], id, map[string]any{
				"clinic_id": id,
				"name":      clinicName,
				"active":    !inactive,
			})
		},
	}
	clinicCmd.Flags().StringVar(&clinicName, "name", "Demo Clinic", "clinic name")
	clinicCmd.Flags().BoolVar(&inactive, "inactive", false, "mark the clinic inactive")
	cmd.AddCommand(clinicCmd)

	var doctorClinic, doctorName, doctorEmail string
	doctorCmd := &cobra.Command{
		Use:   "doctor [doctor-id]",
		Short: "Publish a doctor upsert",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := idArg(args)
			return publish(cmd.Context(), brokers, publishTopics["doctor"], id, map[string]any{
				"doctor_id": id,
				"clinic_id": doctorClinic,
				"name":      doctorName,
				"email":     doctorEmail,
				"active":    true,
			})
		},
	}
	doctorCmd.Flags().StringVar(&doctorClinic, "clinic-id", "", "owning clinic id")
	doctorCmd.Flags().StringVar(&doctorName, "name", "Dr. Demo", "doctor name")
	doctorCmd.Flags().StringVar(&doctorEmail, "email", "", "doctor email")
	cmd.AddCommand(doctorCmd)

	var patientEmail string
	patientCmd := &cobra.Command{
		Use:   "patient [patient-id]",
		Short: "Publish a patient upsert",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if patientEmail == "" {
				return fmt.Errorf("--email is required")
			}
			id := idArg(args)
			return publish(cmd.Context(), brokers, publishTopics["patient"], id, map[string]any{
				"patient_id": id,
				"email":      patientEmail,
				"created_at": time.Now().UTC(),
			})
		},
	}
	patientCmd.Flags().StringVar(&patientEmail, "email", "", "patient email")
	cmd.AddCommand(patientCmd)

	return cmd
}

func idArg(args []string) string {
	if len(args) == 1 {
		return args[0]
	}
	return uuid.NewString()
}

func publish(ctx context.Context, brokers, topic, key string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(kafkax.SplitBrokers(brokers)...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}
	defer func() { _ = w.Close() }()

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	err = w.WriteMessages(ctx, kafka.Message{
		Topic:   topic,
		Key:     []byte(key),
		Value:   body,
		Headers: kafkax.EventMeta{EventID: uuid.NewString(), EventType: topic}.Headers(),
	})
	if err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	fmt.Printf("published %s %s\n", topic, key)
	return nil
}
