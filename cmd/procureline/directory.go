package main

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"procureline/internal/app"
	"procureline/internal/domain"
)

func userCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "user", Short: "Manage users"}
	cmd.AddCommand(userUpsertCmd())
	cmd.AddCommand(userListCmd())
	cmd.AddCommand(userUseCmd())
	cmd.AddCommand(apiKeyCmd())
	return cmd
}

func userUpsertCmd() *cobra.Command {
	var id, name, role, department, coordinator string
	cmd := &cobra.Command{
		Use:   "upsert",
		Short: "Create or update a user",
		Long:  "The first administrator can be created by anyone; afterwards only administrators manage the directory.",
		RunE: func(cmd *cobra.Command, args []string) error {
			u := domain.User{ID: id, DisplayName: name, Role: domain.Role(role)}
			if cmd.Flags().Changed("department") && department != "" {
				u.DepartmentID = &department
			}
			if cmd.Flags().Changed("coordinator") && coordinator != "" {
				u.CoordinatorID = &coordinator
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				saved, err := rt.Admin.UpsertUser(ctx, actorID(), u)
				if err != nil {
					return err
				}
				return printJSON(saved)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "user id")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&role, "role", string(domain.RoleRequester), "requester, approver or administrator")
	cmd.Flags().StringVar(&department, "department", "", "department id")
	cmd.Flags().StringVar(&coordinator, "coordinator", "", "coordinator user id")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func userListCmd() *cobra.Command {
	var role string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List users",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				users, err := rt.Repo.ListUsers(ctx, nil, domain.Role(role))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(users)
				}
				tw := newTable(table.Row{"ID", "Name", "Role", "Department", "Coordinator"})
				for _, u := range users {
					tw.AppendRow(table.Row{u.ID, u.DisplayName, u.Role, orDash(u.DepartmentID), orDash(u.CoordinatorID)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&role, "role", "", "role filter")
	return cmd
}

func userUseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "use <user-id>",
		Short: "Set the default actor for this workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if _, err := rt.Repo.GetUser(ctx, nil, args[0]); err != nil {
					return fmt.Errorf("user %s: %w", args[0], err)
				}
				if err := setEnvValue(filepath.Join(workspace, ".env"), "PROCURELINE_ACTOR_ID", args[0]); err != nil {
					return err
				}
				fmt.Printf("Default actor set to %s\n", args[0])
				return nil
			})
		},
	}
}

func apiKeyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "api-key", Short: "Manage API keys"}

	var userID, name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Issue an API key; the secret is printed once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				key, secret, err := rt.Admin.CreateAPIKey(ctx, actorID(), userID, name)
				if err != nil {
					return err
				}
				return printJSON(map[string]any{"key": key, "secret": secret})
			})
		},
	}
	create.Flags().StringVar(&userID, "user", "", "user the key acts as")
	create.Flags().StringVar(&name, "name", "", "label")
	_ = create.MarkFlagRequired("user")

	var listUser string
	list := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				keys, err := rt.Admin.ListAPIKeys(ctx, actorID(), listUser)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := newTable(table.Row{"ID", "User", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.UserID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&listUser, "user", "", "user filter")

	revoke := &cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				return rt.Admin.RevokeAPIKey(ctx, actorID(), args[0])
			})
		},
	}

	cmd.AddCommand(create, list, revoke)
	return cmd
}

func departmentCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "department", Short: "Manage departments"}

	var id, name string
	upsert := &cobra.Command{
		Use:   "upsert",
		Short: "Create or rename a department",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				d, err := rt.Admin.UpsertDepartment(ctx, actorID(), domain.Department{ID: id, Name: name})
				if err != nil {
					return err
				}
				return printJSON(d)
			})
		},
	}
	upsert.Flags().StringVar(&id, "id", "", "department id")
	upsert.Flags().StringVar(&name, "name", "", "department name")
	_ = upsert.MarkFlagRequired("id")

	var approvers []string
	setApprovers := &cobra.Command{
		Use:   "approvers <department-id>",
		Short: "Replace the approvers of a department",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if err := rt.Admin.SetDepartmentApprovers(ctx, actorID(), args[0], approvers); err != nil {
					return err
				}
				users, err := rt.Repo.DepartmentApprovers(ctx, nil, args[0])
				if err != nil {
					return err
				}
				return printJSON(users)
			})
		},
	}
	setApprovers.Flags().StringSliceVar(&approvers, "user", nil, "approver user id (repeatable)")

	cmd.AddCommand(upsert, setApprovers)
	return cmd
}

func providerCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "provider", Short: "Manage providers"}
	var id, name, taxID string
	upsert := &cobra.Command{
		Use:   "upsert",
		Short: "Create or update a provider",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				p, err := rt.Admin.UpsertProvider(ctx, actorID(), domain.Provider{ID: id, Name: name, TaxID: taxID})
				if err != nil {
					return err
				}
				return printJSON(p)
			})
		},
	}
	upsert.Flags().StringVar(&id, "id", "", "provider id")
	upsert.Flags().StringVar(&name, "name", "", "provider name")
	upsert.Flags().StringVar(&taxID, "tax-id", "", "tax identifier")
	_ = upsert.MarkFlagRequired("id")
	cmd.AddCommand(upsert)
	return cmd
}
